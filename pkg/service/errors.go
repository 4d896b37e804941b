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
	"github.com/livekit/psrpc"
)

var (
	ErrNotRoomMember        = psrpc.NewErrorf(psrpc.PermissionDenied, "user is not a member of the room")
	ErrDuplicateRequest     = psrpc.NewErrorf(psrpc.AlreadyExists, "a call request is already pending")
	ErrAlreadyInCall        = psrpc.NewErrorf(psrpc.FailedPrecondition, "user or room is already in a call")
	ErrNoRecipients         = psrpc.NewErrorf(psrpc.FailedPrecondition, "no other room member is connected")
	ErrCallerSocketNotFound = psrpc.NewErrorf(psrpc.NotFound, "caller is no longer connected")
	ErrNoActiveCall         = psrpc.NewErrorf(psrpc.NotFound, "no pending or active call in room")
	ErrCallNotFound         = psrpc.NewErrorf(psrpc.NotFound, "call record does not exist")
	ErrMatchNotFound        = psrpc.NewErrorf(psrpc.NotFound, "match record does not exist")
	ErrRoomIDEmpty          = psrpc.NewErrorf(psrpc.InvalidArgument, "roomId cannot be empty")
	ErrUserKeyEmpty         = psrpc.NewErrorf(psrpc.InvalidArgument, "userKey cannot be empty")
	ErrUnknownGameType      = psrpc.NewErrorf(psrpc.InvalidArgument, "unknown game type")
	ErrInvalidEvent         = psrpc.NewErrorf(psrpc.InvalidArgument, "event cannot be sent by clients")
	ErrMalformedPayload     = psrpc.NewErrorf(psrpc.MalformedRequest, "could not decode payload")
	ErrServerShuttingDown   = psrpc.NewErrorf(psrpc.Unavailable, "server is shutting down")
)
