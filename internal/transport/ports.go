// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"fmt"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name    string `json:"name"`
	USB     bool   `json:"usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
	Arduino bool   `json:"arduino"`
}

// USB vendor IDs of boards and USB-serial bridges that ship on Arduinos.
var arduinoVendors = map[string]bool{
	"2341": true, // Arduino SA
	"2a03": true, // Arduino.org
	"1a86": true, // WCH CH340 clones
	"0403": true, // FTDI
	"10c4": true, // Silicon Labs CP210x
}

// ListPorts enumerates serial ports, Arduino candidates first.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, portInfo(d))
	}
	sortPorts(ports)
	return ports, nil
}

func portInfo(d *enumerator.PortDetails) PortInfo {
	p := PortInfo{Name: d.Name, USB: d.IsUSB}
	if d.IsUSB {
		p.VID = strings.ToLower(d.VID)
		p.PID = strings.ToLower(d.PID)
		p.Serial = d.SerialNumber
		p.Product = d.Product
		p.Arduino = arduinoVendors[p.VID]
	}
	return p
}

func sortPorts(ports []PortInfo) {
	sort.SliceStable(ports, func(i, j int) bool {
		if ports[i].Arduino != ports[j].Arduino {
			return ports[i].Arduino
		}
		return ports[i].Name < ports[j].Name
	})
}
