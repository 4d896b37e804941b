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

package rtc

import (
	"github.com/livekit/psrpc"
)

var (
	ErrNoWorkersAvailable   = psrpc.NewErrorf(psrpc.Unavailable, "no media workers available")
	ErrRouterCreationFailed = psrpc.NewErrorf(psrpc.Unavailable, "could not create router")
	ErrTransportNotFound    = psrpc.NewErrorf(psrpc.NotFound, "transport does not exist")
	ErrProducerNotFound     = psrpc.NewErrorf(psrpc.NotFound, "producer does not exist")
	ErrRouterMismatch       = psrpc.NewErrorf(psrpc.FailedPrecondition, "transport and producer belong to different routers")
	ErrCannotConsume        = psrpc.NewErrorf(psrpc.FailedPrecondition, "cannot consume producer with given capabilities")
	ErrInvalidTrack         = psrpc.NewErrorf(psrpc.InvalidArgument, "invalid media kind or track type")
	ErrWrongDirection       = psrpc.NewErrorf(psrpc.FailedPrecondition, "transport direction does not allow this operation")
	ErrNotTransportOwner    = psrpc.NewErrorf(psrpc.PermissionDenied, "transport belongs to another user")
	ErrWrongRoom            = psrpc.NewErrorf(psrpc.InvalidArgument, "transport belongs to another room")
)
