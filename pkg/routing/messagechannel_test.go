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

package routing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dTelecom/call-sfu/pkg/rtc/types"
)

func TestMessageChannel_WriteAfterClose(t *testing.T) {
	m := NewMessageChannel(DefaultMessageChannelSize)
	go func() {
		for msg := range m.ReadChan() {
			if msg == nil {
				return
			}
		}
	}()

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = m.WriteMessage(types.NewSignalMessage(types.CallIncoming, nil))
		}
	}()
	require.NoError(t, m.WriteMessage(types.NewSignalMessage(types.CallIncoming, nil)))
	m.Close()
	require.ErrorIs(t, m.WriteMessage(types.NewSignalMessage(types.CallIncoming, nil)), ErrChannelClosed)

	wg.Wait()
}

func TestMessageChannel_Full(t *testing.T) {
	m := NewMessageChannel(1)
	closed := false
	m.OnClose(func() {
		closed = true
	})

	require.NoError(t, m.WriteMessage(types.NewSignalMessage(types.CallIncoming, nil)))
	require.ErrorIs(t, m.WriteMessage(types.NewSignalMessage(types.CallCancelled, nil)), ErrChannelFull)

	msg := <-m.ReadChan()
	require.Equal(t, types.CallIncoming.String(), msg.Event)

	m.Close()
	m.Close()
	require.True(t, closed)
	require.True(t, m.IsClosed())
}
