/*
 * Omega is an advanced email service that supports Microsoft ActiveSync.
 *
 * Copyright (C) 2016, 2017 Kitae Kim <superkkt@gmail.com>
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package activesync

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits the request rate of each device of each user.
type RateLimiter struct {
	mutex    sync.Mutex
	visitors map[SessionKey]*visitor
	rps      rate.Limit
	burst    int
}

// NewRateLimiter returns a limiter allowing rps requests per second with
// bursts of burst requests. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[SessionKey]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether a request from the device may proceed. If not, it
// also returns how long the device should wait before retrying.
func (r *RateLimiter) Allow(k SessionKey) (bool, time.Duration) {
	if r == nil || r.rps <= 0 {
		return true, 0
	}

	l := r.getLimiter(k)
	if l.Allow() {
		return true, 0
	}
	delay := time.Duration(math.Ceil(1/float64(r.rps))) * time.Second

	return false, delay
}

func (r *RateLimiter) getLimiter(k SessionKey) *rate.Limiter {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	v, ok := r.visitors[k]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.rps, r.burst)}
		r.visitors[k] = v
	}
	v.lastSeen = time.Now()

	return v.limiter
}

// Cleanup removes idle devices every interval until ctx is canceled.
func (r *RateLimiter) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mutex.Lock()
		for k, v := range r.visitors {
			if time.Since(v.lastSeen) > interval {
				delete(r.visitors, k)
			}
		}
		r.mutex.Unlock()
	}
}
