/*
 *    Copyright [2020] Sergey Kudasov
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package kvload

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"
)

const HTTPBodyDelimiter = "\r\n\r\n"

// DumpTransport logs http request/responses, pretty prints json bodies
type DumpTransport struct {
	r http.RoundTripper
}

func (d *DumpTransport) RoundTrip(h *http.Request) (*http.Response, error) {
	l := log.FromCtx(h.Context())
	if dump, err := httputil.DumpRequestOut(h, true); err == nil {
		head, body := d.prettyPrintJsonBody(dump, bodyIsJson(h.Header))
		l.Debugw("request", "head", head, "body", body)
	}
	resp, err := d.r.RoundTrip(h)
	if err != nil {
		return nil, err
	}
	// DumpResponse restores the body so the caller can still read it
	if dump, err := httputil.DumpResponse(resp, true); err == nil {
		head, body := d.prettyPrintJsonBody(dump, bodyIsJson(resp.Header))
		l.Debugw("response", "head", head, "body", body)
	}
	return resp, nil
}

// prettyPrintJsonBody splits http dump into head and body, json bodies are indented
func (d *DumpTransport) prettyPrintJsonBody(b []byte, isJson bool) (string, string) {
	sp := strings.SplitN(string(b), HTTPBodyDelimiter, 2)
	if len(sp) != 2 {
		return sp[0], ""
	}
	if !isJson {
		return sp[0], sp[1]
	}
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(sp[1]), "", "    "); err != nil {
		return sp[0], sp[1]
	}
	return sp[0], out.String()
}

// NewLoggingHTTPClient creates new client, dumping requests and responses in debug mode
func NewLoggingHTTPClient(debug bool, transportTimeout int) *http.Client {
	var transport http.RoundTripper
	if debug {
		transport = &DumpTransport{
			http.DefaultTransport,
		}
	} else {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Transport: transport,
		Timeout:   time.Duration(transportTimeout) * time.Second,
	}
}

func bodyIsJson(h http.Header) bool {
	return strings.Contains(h.Get("content-type"), "application/json")
}
