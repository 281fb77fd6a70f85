package load

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skudasov/kvload"
	"github.com/stretchr/testify/require"
)

type fakeDKV struct {
	mu        sync.Mutex
	sets      []SetRequestBody
	gets      []string
	setAt     []time.Time
	getAt     []time.Time
	setStatus int
	getStatus func(attempt int) int
}

func newFakeDKV() *fakeDKV {
	return &fakeDKV{
		setStatus: http.StatusCreated,
		getStatus: func(int) int { return http.StatusOK },
	}
}

func (f *fakeDKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Content-Type") != "application/json" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/key":
		var body SetRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.sets = append(f.sets, body)
		f.setAt = append(f.setAt, time.Now())
		w.WriteHeader(f.setStatus)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/key/"):
		key := strings.TrimPrefix(r.URL.Path, "/key/")
		f.gets = append(f.gets, key)
		f.getAt = append(f.getAt, time.Now())
		w.WriteHeader(f.getStatus(len(f.gets)))
		_, _ = w.Write([]byte(`{ "` + key + `" : "` + key + `" }`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeDKV) snapshot() ([]SetRequestBody, []string, []time.Time, []time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SetRequestBody(nil), f.sets...), append([]string(nil), f.gets...),
		append([]time.Time(nil), f.setAt...), append([]time.Time(nil), f.getAt...)
}

func (f *fakeDKV) setSetStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStatus = status
}

func testParams(srvURL string, extra map[string]string) map[string]string {
	p := map[string]string{
		SetURLParam:          srvURL + "/key",
		GetURLParam:          srvURL + "/key",
		ReplicationWaitParam: "10ms",
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func newTestRunner(t *testing.T, proto kvload.Attack, params map[string]string) *kvload.Runner {
	t.Helper()
	r, err := kvload.NewRunner(DKVSetGetLabel, nil, proto, nil, kvload.RunnerConfig{
		HandleName:   DKVSetGetLabel,
		HandleParams: params,
	})
	require.NoError(t, err)
	return r
}

func newTestAttack(t *testing.T, params map[string]string) (*DKVSetGetAttack, *kvload.Runner) {
	t.Helper()
	proto := NewDKVSetGetAttack()
	r := newTestRunner(t, proto, params)
	a := proto.Clone(r).(*DKVSetGetAttack)
	require.NoError(t, a.Setup(r.Config))
	return a, r
}

func TestDKVSetThenGetSameKey(t *testing.T) {
	dkv := newFakeDKV()
	srv := httptest.NewServer(dkv)
	defer srv.Close()
	a, r := newTestAttack(t, testParams(srv.URL, nil))

	for i := 0; i < 2; i++ {
		res := a.Do(context.Background())
		require.NoError(t, res.Error)
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Equal(t, DKVSetGetLabel, res.RequestLabel)
	}

	sets, gets, _, _ := dkv.snapshot()
	require.Equal(t, []SetRequestBody{{Key: "1", Val: "1"}, {Key: "2", Val: "2"}}, sets)
	require.Equal(t, []string{"1", "2"}, gets)
	require.Equal(t, int64(2), r.Trend(DKVSetKeyLabel).Count())
	require.Equal(t, int64(2), r.Trend(DKVGetKeyLabel).Count())
	checks := r.CheckResults()
	require.Equal(t, kvload.CheckResult{Passes: 2}, checks[PostStatusCheck])
	require.Equal(t, kvload.CheckResult{Passes: 2}, checks[GetStatusCheck])
}

func TestDKVWaitsBeforeRead(t *testing.T) {
	dkv := newFakeDKV()
	srv := httptest.NewServer(dkv)
	defer srv.Close()
	wait := 200 * time.Millisecond
	a, _ := newTestAttack(t, testParams(srv.URL, map[string]string{ReplicationWaitParam: wait.String()}))

	res := a.Do(context.Background())
	require.NoError(t, res.Error)
	_, _, setAt, getAt := dkv.snapshot()
	require.Len(t, setAt, 1)
	require.Len(t, getAt, 1)
	require.GreaterOrEqual(t, getAt[0].Sub(setAt[0]), wait)
}

func TestDKVUnexpectedStatusIsNotRecorded(t *testing.T) {
	dkv := newFakeDKV()
	dkv.setStatus = http.StatusConflict
	dkv.getStatus = func(int) int { return http.StatusNotFound }
	srv := httptest.NewServer(dkv)
	defer srv.Close()
	a, r := newTestAttack(t, testParams(srv.URL, nil))

	res := a.Do(context.Background())
	require.NoError(t, res.Error)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	_, gets, _, _ := dkv.snapshot()
	require.Equal(t, []string{"1"}, gets)
	require.Zero(t, r.Trend(DKVSetKeyLabel).Count())
	require.Zero(t, r.Trend(DKVGetKeyLabel).Count())
	checks := r.CheckResults()
	require.Equal(t, kvload.CheckResult{Fails: 1}, checks[PostStatusCheck])
	require.Equal(t, kvload.CheckResult{Fails: 1}, checks[GetStatusCheck])

	// counter still advances
	dkv.setSetStatus(http.StatusCreated)
	res = a.Do(context.Background())
	require.NoError(t, res.Error)
	sets, _, _, _ := dkv.snapshot()
	require.Equal(t, "2", sets[1].Key)
	require.Equal(t, int64(1), r.Trend(DKVSetKeyLabel).Count())
}

func TestDKVTransportErrorEndsIteration(t *testing.T) {
	srv := httptest.NewServer(newFakeDKV())
	srv.Close()
	a, r := newTestAttack(t, testParams(srv.URL, nil))

	res := a.Do(context.Background())
	require.Error(t, res.Error)
	checks := r.CheckResults()
	require.Equal(t, kvload.CheckResult{Fails: 1}, checks[PostStatusCheck])
	_, readChecked := checks[GetStatusCheck]
	require.False(t, readChecked)
	require.Zero(t, r.Trend(DKVSetKeyLabel).Count())
}

func TestDKVKeyStart(t *testing.T) {
	dkv := newFakeDKV()
	srv := httptest.NewServer(dkv)
	defer srv.Close()
	a, _ := newTestAttack(t, testParams(srv.URL, map[string]string{KeyStartParam: "100"}))

	require.NoError(t, a.Do(context.Background()).Error)
	sets, gets, _, _ := dkv.snapshot()
	require.Equal(t, "100", sets[0].Key)
	require.Equal(t, "100", gets[0])
}

func TestDKVConcurrentVUsUseUniqueKeys(t *testing.T) {
	dkv := newFakeDKV()
	srv := httptest.NewServer(dkv)
	defer srv.Close()
	proto := NewDKVSetGetAttack()
	r := newTestRunner(t, proto, testParams(srv.URL, map[string]string{ReplicationWaitParam: "0s"}))

	const (
		vus        = 8
		iterations = 25
	)
	var wg sync.WaitGroup
	for vu := 0; vu < vus; vu++ {
		a := proto.Clone(r)
		require.NoError(t, a.Setup(r.Config))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				a.Do(context.Background())
			}
		}()
	}
	wg.Wait()

	sets, _, _, _ := dkv.snapshot()
	seen := make(map[string]bool)
	for _, s := range sets {
		require.Equal(t, s.Key, s.Val)
		require.False(t, seen[s.Key], "key %s written twice", s.Key)
		seen[s.Key] = true
	}
	require.Len(t, seen, vus*iterations)
	for n := 1; n <= vus*iterations; n++ {
		require.True(t, seen[strconv.Itoa(n)], "key %d skipped", n)
	}
}

func TestDKVPollUntilReplicated(t *testing.T) {
	dkv := newFakeDKV()
	dkv.getStatus = func(attempt int) int {
		if attempt < 3 {
			return http.StatusNotFound
		}
		return http.StatusOK
	}
	srv := httptest.NewServer(dkv)
	defer srv.Close()
	a, r := newTestAttack(t, testParams(srv.URL, map[string]string{ReadModeParam: ReadModePoll}))

	res := a.Do(context.Background())
	require.NoError(t, res.Error)
	require.Equal(t, http.StatusOK, res.StatusCode)
	_, gets, _, _ := dkv.snapshot()
	require.Equal(t, []string{"1", "1", "1"}, gets)
	require.Equal(t, int64(1), r.Trend(DKVGetKeyLabel).Count())
	require.Equal(t, kvload.CheckResult{Passes: 1}, r.CheckResults()[GetStatusCheck])
}

func TestDKVPollDeadline(t *testing.T) {
	dkv := newFakeDKV()
	dkv.getStatus = func(int) int { return http.StatusNotFound }
	srv := httptest.NewServer(dkv)
	defer srv.Close()
	a, r := newTestAttack(t, testParams(srv.URL, map[string]string{
		ReadModeParam:     ReadModePoll,
		ReadDeadlineParam: "300ms",
	}))

	begin := time.Now()
	res := a.Do(context.Background())
	require.NoError(t, res.Error)
	require.Less(t, time.Since(begin), 2*time.Second)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Zero(t, r.Trend(DKVGetKeyLabel).Count())
	require.Equal(t, kvload.CheckResult{Fails: 1}, r.CheckResults()[GetStatusCheck])
}

func TestDKVSetupErrors(t *testing.T) {
	for name, params := range map[string]map[string]string{
		"bad read mode": {ReadModeParam: "eventually"},
		"bad wait":      {ReplicationWaitParam: "one second"},
		"bad key start": {KeyStartParam: "first"},
		"bad set url":   {SetURLParam: "localhost"},
	} {
		t.Run(name, func(t *testing.T) {
			proto := NewDKVSetGetAttack()
			r := newTestRunner(t, proto, params)
			require.Error(t, proto.Clone(r).Setup(r.Config))
		})
	}
}

func TestAttackerFromName(t *testing.T) {
	a, err := AttackerFromName(DKVSetGetLabel)
	require.NoError(t, err)
	require.NotNil(t, a)

	_, err = AttackerFromName("unknown")
	require.True(t, errors.Is(err, kvload.ErrUnknownAttacker))
}

func TestDKVRunnerConstantVUs(t *testing.T) {
	dkv := newFakeDKV()
	srv := httptest.NewServer(dkv)
	defer srv.Close()
	a, err := AttackerFromName(DKVSetGetLabel)
	require.NoError(t, err)
	r, err := kvload.NewRunner(DKVSetGetLabel, nil, a, nil, kvload.RunnerConfig{
		HandleName:   DKVSetGetLabel,
		VUs:          2,
		DurationSec:  1,
		HandleParams: testParams(srv.URL, map[string]string{ReplicationWaitParam: "50ms"}),
	})
	require.NoError(t, err)

	rep := r.Run(context.Background(), nil)
	require.Empty(t, rep.RunError)
	require.False(t, rep.Failed)
	require.Greater(t, rep.Iterations, int64(0))
	require.Equal(t, rep.Iterations, rep.Trends[DKVSetKeyLabel].Count)
	require.Equal(t, rep.Iterations, rep.Trends[DKVGetKeyLabel].Count)
	require.Equal(t, rep.Iterations, rep.Trends[kvload.IterationDurationTrend].Count)
	require.Equal(t, rep.Iterations, rep.Checks[PostStatusCheck].Passes)
	require.GreaterOrEqual(t, rep.Trends[kvload.IterationDurationTrend].Min, 50.0)
}

func TestDKVRunnerBadParamsFails(t *testing.T) {
	dkv := newFakeDKV()
	srv := httptest.NewServer(dkv)
	defer srv.Close()
	for name, extra := range map[string]map[string]string{
		"bad read mode": {ReadModeParam: "eventually"},
		"bad wait":      {ReplicationWaitParam: "one second"},
		"bad set url":   {SetURLParam: "localhost"},
	} {
		t.Run(name, func(t *testing.T) {
			a, err := NewAttackers().FromName(DKVSetGetLabel)
			require.NoError(t, err)
			r, err := kvload.NewRunner(DKVSetGetLabel, nil, a, nil, kvload.RunnerConfig{
				HandleName:   DKVSetGetLabel,
				DurationSec:  5,
				HandleParams: testParams(srv.URL, extra),
			})
			require.NoError(t, err)

			rep := r.Run(context.Background(), nil)
			require.True(t, rep.Failed)
			require.NotEmpty(t, rep.RunError)
			require.Equal(t, int64(0), rep.Iterations)
		})
	}
	sets, gets, _, _ := dkv.snapshot()
	require.Empty(t, sets)
	require.Empty(t, gets)
}

func TestDKVSameHandleInTwoSteps(t *testing.T) {
	dkv := newFakeDKV()
	srv := httptest.NewServer(dkv)
	defer srv.Close()
	handle := kvload.RunnerConfig{
		HandleName:   DKVSetGetLabel,
		VUs:          2,
		DurationSec:  1,
		HandleParams: testParams(srv.URL, nil),
	}
	suite := &kvload.SuiteConfig{
		Steps: []kvload.Step{
			{Name: "warmup", ExecutionMode: kvload.SequenceMode, Handles: []kvload.RunnerConfig{handle}},
			{Name: "load", ExecutionMode: kvload.SequenceMode, Handles: []kvload.RunnerConfig{handle}},
		},
	}
	lm, err := kvload.SuiteFromSteps(NewAttackers().FromName, CheckFromName, suite, nil, kvload.Overrides{})
	require.NoError(t, err)
	require.NoError(t, lm.RunSuite(context.Background()))

	require.Len(t, lm.Reports, 2)
	warmup, load := lm.Report("warmup."+DKVSetGetLabel), lm.Report("load."+DKVSetGetLabel)
	require.NotNil(t, warmup)
	require.NotNil(t, load)
	require.Greater(t, warmup.Iterations, int64(0))
	require.Greater(t, load.Iterations, int64(0))

	sets, _, _, _ := dkv.snapshot()
	require.Equal(t, int(warmup.Iterations+load.Iterations), len(sets))
	seen := make(map[string]bool, len(sets))
	for _, s := range sets {
		require.False(t, seen[s.Key], "key %s posted twice", s.Key)
		seen[s.Key] = true
	}
}
