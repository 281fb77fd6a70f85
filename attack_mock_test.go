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
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

var errMock = errors.New("mock error")

type attackMock struct {
	WithRunner
	sleep time.Duration
	// failEvery makes every n-th call fail, 0 never fails
	failEvery int64
	setupErr  error
	calls     *int64
	setups    *int64
	teardowns *int64
}

func newAttackMock(sleep time.Duration) *attackMock {
	return &attackMock{
		sleep:     sleep,
		calls:     new(int64),
		setups:    new(int64),
		teardowns: new(int64),
	}
}

func (m *attackMock) Setup(c RunnerConfig) error {
	atomic.AddInt64(m.setups, 1)
	return m.setupErr
}

func (m *attackMock) Do(ctx context.Context) DoResult {
	n := atomic.AddInt64(m.calls, 1)
	time.Sleep(m.sleep)
	if m.R != nil {
		m.R.Trend("mock_trend").AddDuration(m.sleep)
		m.R.Check("mock check", true)
	}
	if m.failEvery > 0 && n%m.failEvery == 0 {
		return DoResult{RequestLabel: "mock", Error: errMock, StatusCode: http.StatusInternalServerError}
	}
	return DoResult{RequestLabel: "mock", StatusCode: http.StatusOK}
}

func (m *attackMock) Teardown() error {
	atomic.AddInt64(m.teardowns, 1)
	return nil
}

func (m *attackMock) Clone(r *Runner) Attack {
	return &attackMock{
		WithRunner: WithRunner{R: r},
		sleep:      m.sleep,
		failEvery:  m.failEvery,
		setupErr:   m.setupErr,
		calls:      m.calls,
		setups:     m.setups,
		teardowns:  m.teardowns,
	}
}
