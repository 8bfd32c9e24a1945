/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sprt/lossless-transport/internal/rudp/stats"
)

func init() {
	RootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats HOST PORT",
	Short: "Fetch and render a running sender/receiver's JSON stats endpoint",
	Args:  cobra.ExactArgs(2),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()

		port, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("invalid port %q", args[1])
		}

		url := fmt.Sprintf("http://%s:%d/stats", args[0], port)
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			log.Fatal(err)
		}
		defer resp.Body.Close()

		var snap stats.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			log.Fatalf("decoding response from %s: %v", url, err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Counter", "Value"})
		rows := [][]string{
			{"packets_sent", strconv.FormatInt(snap.PacketsSent, 10)},
			{"packets_received", strconv.FormatInt(snap.PacketsReceived, 10)},
			{"bytes_sent", strconv.FormatInt(snap.BytesSent, 10)},
			{"bytes_received", strconv.FormatInt(snap.BytesReceived, 10)},
			{"retransmits", strconv.FormatInt(snap.Retransmits, 10)},
			{"acks_sent", strconv.FormatInt(snap.AcksSent, 10)},
			{"nacks_sent", strconv.FormatInt(snap.NacksSent, 10)},
			{"decode_errors", strconv.FormatInt(snap.DecodeErrors, 10)},
			{"dropped_window_full", strconv.FormatInt(snap.DroppedWindowFull, 10)},
			{"rtt_mean_us", strconv.FormatFloat(snap.RTTMeanMicros, 'f', 2, 64)},
			{"rtt_stddev_us", strconv.FormatFloat(snap.RTTStddevMicros, 'f', 2, 64)},
		}
		for _, row := range rows {
			table.Append(row)
		}
		table.Render()
	},
}
