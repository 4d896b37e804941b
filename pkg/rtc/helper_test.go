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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dTelecom/call-sfu/pkg/lock"
	"github.com/dTelecom/call-sfu/pkg/rtc/rtctest"
	"github.com/dTelecom/call-sfu/pkg/rtc/types"
	"github.com/dTelecom/call-sfu/pkg/testutils"
)

var testLockOptions = lock.Options{
	TTL:        time.Second,
	RetryDelay: 5 * time.Millisecond,
	MaxRetries: 200,
}

func newTestPool(t *testing.T, numWorkers int) (*WorkerPool, *rtctest.FakeEngine) {
	t.Helper()

	_, rc := testutils.NewRedis(t)
	engine := rtctest.NewFakeEngine()
	pool := NewWorkerPool(WorkerPoolParams{
		NumWorkers: numWorkers,
		RTCMinPort: 40000,
		RTCMaxPort: 40999,
		SelectLock: testLockOptions,
		RouterLock: testLockOptions,
	}, engine, lock.NewRedisLocker(rc, "test-node"))
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Close)
	return pool, engine
}

func newTestManager(t *testing.T) (*MediaManager, *WorkerPool, *rtctest.MessageSink) {
	t.Helper()

	pool, _ := newTestPool(t, 2)
	sink := &rtctest.MessageSink{}
	return NewMediaManager(pool, sink), pool, sink
}

var opusParameters = types.RtpParameters{
	Codecs: []types.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
}

// joinWithAudio gives a user a send and a receive transport in the room and publishes audio.
func joinWithAudio(t *testing.T, m *MediaManager, roomID, userKey string) (send, recv *TransportInfo, producer *ProducerInfo) {
	t.Helper()

	ctx := context.Background()
	send, err := m.CreateTransport(ctx, roomID, userKey, types.TransportDirectionSend)
	require.NoError(t, err)
	recv, err = m.CreateTransport(ctx, roomID, userKey, types.TransportDirectionRecv)
	require.NoError(t, err)
	producer, err = m.CreateProducer(ctx, userKey, send.ID, types.MediaKindAudio, opusParameters, types.TrackTypeAudio)
	require.NoError(t, err)
	return
}
