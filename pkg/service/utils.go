// Copyright 2023 LiveKit, Inc.
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

package service

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

// handleError rejects a request before the socket is upgraded, with the same error shape
// clients receive over the signal channel.
func handleError(w http.ResponseWriter, r *http.Request, status int, err error, keysAndValues ...interface{}) {
	keysAndValues = append(keysAndValues, "status", status)
	if r != nil && r.URL != nil {
		keysAndValues = append(keysAndValues, "method", r.Method, "path", r.URL.Path)
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(r.Context().Err(), context.Canceled) {
		logger.GetLogger().WithCallDepth(1).Warnw("rejecting signal request", err, keysAndValues...)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(toSignalError(err))
}

func userFromRequest(r *http.Request) (types.UserInfo, error) {
	user := types.UserInfo{
		UserKey: strings.TrimSpace(r.FormValue("userKey")),
		Name:    strings.TrimSpace(r.FormValue("name")),
	}
	if user.UserKey == "" {
		return user, ErrUserKeyEmpty
	}
	return user, nil
}

func RemoveDoubleSlashes(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	if strings.HasPrefix(r.URL.Path, "//") {
		r.URL.Path = r.URL.Path[1:]
	}
	next(w, r)
}

// GetClientIP prefers proxy headers, taking the first hop of X-Forwarded-For.
func GetClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first, _, _ := strings.Cut(ip, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
