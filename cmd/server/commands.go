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

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/dTelecom/call-sfu/pkg/config"
	"github.com/dTelecom/call-sfu/pkg/service"
)

func queueStatus(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return errors.Wrap(err, "get config")
	}

	rc, err := config.GetRedisClient(&conf.Redis)
	if err != nil {
		return errors.Wrap(err, "connect redis")
	}
	if rc == nil {
		return service.ErrRedisRequired
	}
	defer rc.Close()

	statuses, err := service.ReadQueueStatus(c.Context, rc, conf.Match.GameTypes)
	if err != nil {
		return errors.Wrap(err, "read queues")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Game Type",
		"Queued",
		"Oldest Entry",
	})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_CENTER,
	})

	for _, status := range statuses {
		table.Append([]string{
			status.GameType,
			strconv.FormatInt(status.Size, 10),
			formatOldest(status.OldestEnqueuedAt),
		})
	}
	table.Render()

	return nil
}

func formatOldest(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func printPorts(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	fmt.Println("TCP Ports")
	fmt.Printf("%d - HTTP service\n", conf.Port)
	if conf.PrometheusPort != 0 {
		fmt.Printf("%d - Prometheus\n", conf.PrometheusPort)
	}

	fmt.Println("UDP Ports")
	if conf.SFU.RTCMinPort != 0 || conf.SFU.RTCMaxPort != 0 {
		fmt.Printf("%d-%d - ICE/UDP range\n", conf.SFU.RTCMinPort, conf.SFU.RTCMaxPort)
	} else {
		fmt.Println("ephemeral - ICE/UDP")
	}
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
