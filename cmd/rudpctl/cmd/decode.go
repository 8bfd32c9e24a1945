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
	"fmt"
	"os"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sprt/lossless-transport/internal/rudp/packet"
)

func init() {
	RootCmd.AddCommand(decodeCmd)
}

var decodeCmd = &cobra.Command{
	Use:   "decode FILE",
	Short: "Decode one raw datagram and print its header fields",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()

		data, err := os.ReadFile(args[0])
		if err != nil {
			log.Fatal(err)
		}

		var p packet.Packet
		if err := packet.Decode(data, &p); err != nil {
			color.Red("decode failed: %v", err)
			os.Exit(1)
		}

		fmt.Printf("Type:      %s\n", p.Type)
		fmt.Printf("TR:        %v\n", p.TR)
		fmt.Printf("Window:    %d\n", p.Window)
		fmt.Printf("Seqnum:    %d\n", p.Seqnum)
		fmt.Printf("Length:    %d\n", p.Length())
		fmt.Printf("Timestamp: %d\n", p.Timestamp)
		fmt.Printf("CRC1:      0x%08x\n", p.CRC1())
		fmt.Printf("CRC2:      0x%08x\n", p.CRC2())
		color.Green("valid datagram, %d bytes on the wire", len(data))
	},
}
