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
	"context"
	"strings"
	"time"

	"github.com/prometheus/common/model"
)

const promQueryTimeout = 10 * time.Second

// PromBooleanQuery executes prometheus boolean query, the run is stopped when it evaluates to 1
func PromBooleanQuery(r *Runner) bool {
	q := r.CheckData[0].Query
	r.L.Infof("executing prometheus check: query: %s", q)
	if !strings.Contains(q, "bool") {
		r.L.Errorf("only bool queries are allowed with default prometheus check, skipping: %s", q)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), promQueryTimeout)
	defer cancel()
	val, warnings, err := r.PromClient.Query(ctx, q, time.Now())
	if err != nil {
		r.L.Errorf("error executing prometheus query: %s, err: %s", q, err)
		return true
	}
	for _, w := range warnings {
		r.L.Warnf("prometheus warning: %s", w)
	}
	return promBoolValue(r.L, val)
}

func promBoolValue(l *Logger, val model.Value) bool {
	if val == nil {
		return false
	}
	l.Debugf("check result: %s, val type: %s", val, val.Type())
	switch val.Type() {
	case model.ValScalar:
		if val.(*model.Scalar).Value == 1 {
			return true
		}
	case model.ValVector:
		vectorVal := val.(model.Vector)
		if len(vectorVal) != 1 {
			l.Errorf("ambiguous default check, prometheus request must be bool and return one vector or scalar, got %d samples", len(vectorVal))
			return false
		}
		if vectorVal[0].Value == 1 {
			return true
		}
	}
	return false
}

// ErrorPercentCheck returns true when the ratio of failed iterations is above percent
func ErrorPercentCheck(r *Runner, percent float64) bool {
	if r.stage() == rampUp {
		if m := r.currentRampMetrics(); m != nil {
			return m.FailRatio() > percent
		}
		return false
	}
	r.metricsMu.RLock()
	defer r.metricsMu.RUnlock()
	for _, m := range r.Metrics {
		if m.FailRatio() > percent {
			return true
		}
	}
	return false
}
