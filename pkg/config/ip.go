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

package config

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"
)

var DefaultStunServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

const validationMagic = "callsfu-ip-check"

func (s *SFUConfig) determineIP() (string, error) {
	if s.UseExternalIP {
		stunServers := s.STUNServers
		if len(stunServers) == 0 {
			stunServers = DefaultStunServers
		}
		var err error
		for i := 0; i < 3; i++ {
			var ip string
			ip, err = GetExternalIP(context.Background(), stunServers, nil)
			if err == nil {
				return ip, nil
			}
			time.Sleep(500 * time.Millisecond)
		}
		return "", errors.Errorf("could not resolve external IP: %v", err)
	}

	addresses, err := GetLocalIPAddresses(false)
	if len(addresses) > 0 {
		return addresses[0], err
	}
	return "", err
}

// GetLocalIPAddresses lists the IPv4 addresses of the host, non-loopback first.
// Loopback addresses are returned only when nothing else is found or includeLoopback is set.
func GetLocalIPAddresses(includeLoopback bool) ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var loopBacks, addresses []string
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch typedAddr := addr.(type) {
			case *net.IPNet:
				ip = typedAddr.IP.To4()
			case *net.IPAddr:
				ip = typedAddr.IP.To4()
			}
			if ip == nil {
				continue
			}
			if ip.IsLoopback() {
				loopBacks = append(loopBacks, ip.String())
			} else {
				addresses = append(addresses, ip.String())
			}
		}
	}

	if includeLoopback {
		addresses = append(addresses, loopBacks...)
	}
	if len(addresses) > 0 {
		return addresses, nil
	}
	if len(loopBacks) > 0 {
		return loopBacks, nil
	}
	return nil, errors.New("could not find local IP address")
}

// GetExternalIP asks the first STUN server for the reflexive address of localAddr and checks
// that the address is reachable. A nil localAddr picks an ephemeral local port.
func GetExternalIP(ctx context.Context, stunServers []string, localAddr *net.UDPAddr) (string, error) {
	if len(stunServers) == 0 {
		return "", errors.New("STUN servers are required but not defined")
	}
	dialer := &net.Dialer{}
	if localAddr != nil {
		dialer.LocalAddr = localAddr
	}
	conn, err := dialer.Dial("udp4", stunServers[0])
	if err != nil {
		return "", err
	}
	c, err := stun.NewClient(conn)
	if err != nil {
		return "", err
	}
	defer c.Close()

	message, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return "", err
	}

	// buffered so the callback never blocks the client
	ipChan := make(chan string, 20)
	errChan := make(chan error, 1)
	err = c.Start(message, func(res stun.Event) {
		if res.Error != nil {
			select {
			case errChan <- res.Error:
			default:
			}
			return
		}

		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err != nil {
			select {
			case errChan <- err:
			default:
			}
			return
		}
		if ip := xorAddr.IP.To4(); ip != nil {
			ipChan <- ip.String()
		}
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	select {
	case nodeIP := <-ipChan:
		_ = c.Close()
		return nodeIP, validateExternalIP(nodeIP, localAddr)
	case err := <-errChan:
		return "", errors.Wrap(err, "could not determine public IP")
	case <-ctx.Done():
		return "", errors.New("could not determine public IP")
	}
}

func validateExternalIP(nodeIP string, addr *net.UDPAddr) error {
	srv, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer srv.Close()

	validCh := make(chan struct{})
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := srv.Read(buf)
			if err != nil {
				logger.Debugw("error reading from UDP socket", "error", err)
				return
			}
			if string(buf[:n]) == validationMagic {
				close(validCh)
				return
			}
		}
	}()

	cli, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(nodeIP), Port: srv.LocalAddr().(*net.UDPAddr).Port})
	if err != nil {
		return err
	}
	defer cli.Close()

	if _, err = cli.Write([]byte(validationMagic)); err != nil {
		return err
	}

	select {
	case <-validCh:
		return nil
	case <-time.After(3 * time.Second):
		return fmt.Errorf("could not validate external IP %s", nodeIP)
	}
}
