package load

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/skudasov/kvload"
)

// Handle params of the dkv attack
const (
	SetURLParam          = "set_url"
	GetURLParam          = "get_url"
	ReplicationWaitParam = "replication_wait"
	ReadModeParam        = "read_mode"
	ReadDeadlineParam    = "read_deadline"
	KeyStartParam        = "key_start"
)

const (
	DefaultSetURL          = "http://localhost:8888/key"
	DefaultGetURL          = "http://localhost:8889/key"
	DefaultReplicationWait = time.Second
	DefaultReadDeadline    = 5 * time.Second

	// ReadModeWait sleeps replication_wait once then reads
	ReadModeWait = "wait"
	// ReadModePoll reads with exponential backoff until the key is visible or read_deadline passes
	ReadModePoll = "poll"
)

// Check names
const (
	PostStatusCheck = "post status was 201"
	GetStatusCheck  = "get status was 200"
)

// Sequence is a key counter shared by all virtual users of a handle
type Sequence struct {
	once sync.Once
	n    int64
}

// Start sets the first value returned by Next, only the first call has effect
func (s *Sequence) Start(first int64) {
	s.once.Do(func() {
		atomic.StoreInt64(&s.n, first-1)
	})
}

// Next returns the next key, never the same twice
func (s *Sequence) Next() int64 {
	return atomic.AddInt64(&s.n, 1)
}

// SetRequestBody body of the leader write
type SetRequestBody struct {
	Key string `json:"key"`
	Val string `json:"value"`
}

// DKVSetGetAttack writes a key to the leader, waits for replication and reads it back from the follower
type DKVSetGetAttack struct {
	kvload.WithRunner
	seq *Sequence

	client       *http.Client
	setURL       string
	getURL       string
	wait         time.Duration
	readMode     string
	readDeadline time.Duration
}

func NewDKVSetGetAttack() *DKVSetGetAttack {
	return NewDKVSetGetAttackWithSequence(&Sequence{})
}

// NewDKVSetGetAttackWithSequence creates attack drawing keys from seq
func NewDKVSetGetAttackWithSequence(seq *Sequence) *DKVSetGetAttack {
	return &DKVSetGetAttack{seq: seq}
}

func (a *DKVSetGetAttack) Setup(c kvload.RunnerConfig) error {
	var err error
	a.setURL = c.Param(SetURLParam, DefaultSetURL)
	if _, err = url.ParseRequestURI(a.setURL); err != nil {
		return fmt.Errorf("bad %s: %w", SetURLParam, err)
	}
	a.getURL = strings.TrimSuffix(c.Param(GetURLParam, DefaultGetURL), "/")
	if _, err = url.ParseRequestURI(a.getURL); err != nil {
		return fmt.Errorf("bad %s: %w", GetURLParam, err)
	}
	if a.wait, err = c.DurationParam(ReplicationWaitParam, DefaultReplicationWait); err != nil {
		return err
	}
	if a.readDeadline, err = c.DurationParam(ReadDeadlineParam, DefaultReadDeadline); err != nil {
		return err
	}
	a.readMode = c.Param(ReadModeParam, ReadModeWait)
	if a.readMode != ReadModeWait && a.readMode != ReadModePoll {
		return fmt.Errorf("unknown %s %q, possible values are {%s,%s}", ReadModeParam, a.readMode, ReadModeWait, ReadModePoll)
	}
	start, err := c.IntParam(KeyStartParam, 1)
	if err != nil {
		return err
	}
	a.seq.Start(start)

	dump, timeout := false, 60
	if lm := a.GetManager(); lm != nil && lm.SuiteConfig != nil {
		dump, timeout = lm.SuiteConfig.DumpTransport, lm.SuiteConfig.HttpTimeout
	}
	a.client = kvload.NewLoggingHTTPClient(dump, timeout)
	return nil
}

func (a *DKVSetGetAttack) Do(ctx context.Context) kvload.DoResult {
	key := strconv.FormatInt(a.seq.Next(), 10)
	ctx = kvload.WithRqId(ctx, uuid.New().String())
	l := a.R.L.FromCtx(ctx)
	res := kvload.DoResult{RequestLabel: DKVSetGetLabel}

	body, err := json.Marshal(SetRequestBody{Key: key, Val: key})
	if err != nil {
		res.Error = err
		return res
	}
	status, took, n, err := a.call(ctx, http.MethodPost, a.setURL, body)
	res.BytesIn += int64(len(body))
	res.BytesOut += n
	res.StatusCode = status
	if !a.R.Check(PostStatusCheck, err == nil && status == http.StatusCreated) {
		if err != nil {
			res.Error = fmt.Errorf("set key %s: %w", key, err)
			return res
		}
		l.Debugf("set key %s: unexpected status %d", key, status)
	} else {
		a.R.Trend(DKVSetKeyLabel).AddDuration(took)
	}

	getURL := a.getURL + "/" + url.PathEscape(key)
	if a.readMode == ReadModePoll {
		status, took, n, err = a.poll(ctx, getURL)
	} else {
		if err := sleep(ctx, a.wait); err != nil {
			res.Error = err
			return res
		}
		status, took, n, err = a.call(ctx, http.MethodGet, getURL, nil)
	}
	res.BytesOut += n
	res.StatusCode = status
	if !a.R.Check(GetStatusCheck, err == nil && status == http.StatusOK) {
		if err != nil {
			res.Error = fmt.Errorf("get key %s: %w", key, err)
			return res
		}
		l.Debugf("get key %s: unexpected status %d", key, status)
		return res
	}
	a.R.Trend(DKVGetKeyLabel).AddDuration(took)
	return res
}

// call performs one request, the response body is read fully before the latency is taken
func (a *DKVSetGetAttack) call(ctx context.Context, method, u string, body []byte) (int, time.Duration, int64, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return 0, 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	begin := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, 0, 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, time.Since(begin), n, err
}

// poll reads the key until it is replicated or read deadline passes
func (a *DKVSetGetAttack) poll(ctx context.Context, u string) (int, time.Duration, int64, error) {
	var (
		status int
		took   time.Duration
		total  int64
	)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = a.readDeadline
	err := backoff.Retry(func() error {
		var (
			n   int64
			err error
		)
		status, took, n, err = a.call(ctx, http.MethodGet, u, nil)
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("status %d", status)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil && status != 0 && ctx.Err() == nil {
		// the follower answered, just not with the key
		return status, took, total, nil
	}
	return status, took, total, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *DKVSetGetAttack) Clone(r *kvload.Runner) kvload.Attack {
	return &DKVSetGetAttack{WithRunner: kvload.WithRunner{R: r}, seq: a.seq}
}
