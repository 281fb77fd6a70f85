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
	"time"
)

// Monitored reports iteration timings and errors of the wrapped Attack to go-metrics
type Monitored struct {
	Attack
}

func WithMonitor(a Attack) Monitored {
	return Monitored{a}
}

func (m Monitored) Do(ctx context.Context) DoResult {
	before := time.Now()
	result := m.Attack.Do(ctx)
	label := result.RequestLabel
	if label == "" {
		label = m.GetRunner().Name()
	}
	m.GetRunner().registerLabelTimings(label).UpdateSince(before)
	if result.Error != nil || result.StatusCode >= 400 {
		m.GetRunner().registerErrCount(label).Inc(1)
	}
	return result
}

func (m Monitored) Clone(r *Runner) Attack {
	return Monitored{m.Attack.Clone(r)}
}
