// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"golang.org/x/time/rate"
)

// RateLimited returns a Logger which suppresses messages that exceed the
// given rate. Suppression is per logger, not per message: a burst of one
// lets through at most one message per limit interval on every level.
func RateLimited(l Logger, limit rate.Limit) Logger {
	return &ratelimited{
		Logger:  l,
		limiter: rate.NewLimiter(limit, 1),
	}
}

type ratelimited struct {
	Logger
	limiter *rate.Limiter
}

func (r *ratelimited) Debug(format string, args ...interface{}) {
	if !r.limiter.Allow() {
		return
	}
	r.Logger.Debug(format, args...)
}

func (r *ratelimited) Info(format string, args ...interface{}) {
	if !r.limiter.Allow() {
		return
	}
	r.Logger.Info(format, args...)
}

func (r *ratelimited) Warn(format string, args ...interface{}) {
	if !r.limiter.Allow() {
		return
	}
	r.Logger.Warn(format, args...)
}

func (r *ratelimited) Error(format string, args ...interface{}) {
	if !r.limiter.Allow() {
		return
	}
	r.Logger.Error(format, args...)
}
