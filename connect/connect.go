// Package connect defines the connection info shared between a kernel
// launcher and its clients, and the JSON connection file it round-trips
// through.
package connect

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"

	internalnet "github.com/guseggert/kernelclient/internal/net"
)

// Channel names, one per logical stream.
const (
	ShellChannel   = "shell"
	IOPubChannel   = "iopub"
	StdinChannel   = "stdin"
	ControlChannel = "control"
	HBChannel      = "hb"
)

// DefaultSignatureScheme is assumed when a connection file omits one.
const DefaultSignatureScheme = "hmac-sha256"

// ErrUnknownChannel is returned for a channel name outside the five streams.
var ErrUnknownChannel = errors.New("unknown channel")

// Info describes how to reach a running kernel. It is produced by the process
// manager (or loaded from a connection file) and is immutable once a kernel
// is running.
type Info struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
}

// New returns an Info with a fresh key and random unused ports on the given
// IP. For the tcp transport the candidate ports are all held open while
// picking, so no port is handed out twice. For the ipc transport "ports" are
// suffixes of not-yet-existing socket files.
func New(ip, transport string) (Info, error) {
	return Fill(Info{IP: ip, Transport: transport})
}

// Fill completes a partially specified Info, e.g. one loaded from a
// connection file with some ports left zero: nonzero ports and a present key
// are kept, zero ports are replaced with concrete unused ones, and absent
// fields get their defaults.
func Fill(template Info) (Info, error) {
	info := template
	if info.Transport == "" {
		info.Transport = "tcp"
	}
	if info.Key == "" {
		info.Key = uuid.NewString()
	}
	if info.SignatureScheme == "" {
		info.SignatureScheme = DefaultSignatureScheme
	}
	ports := []*int{&info.ShellPort, &info.IOPubPort, &info.StdinPort, &info.ControlPort, &info.HBPort}
	switch info.Transport {
	case "tcp":
		if info.IP == "" {
			info.IP = "127.0.0.1"
		}
		var missing []*int
		for _, p := range ports {
			if *p == 0 {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			fresh, err := internalnet.GetEphemeralTCPPorts(info.IP, len(missing))
			if err != nil {
				return Info{}, fmt.Errorf("picking ports: %w", err)
			}
			for i, p := range missing {
				*p = fresh[i]
			}
		}
	case "ipc":
		if info.IP == "" {
			info.IP = "kernel-ipc"
		}
		used := make(map[int]bool, len(ports))
		for _, p := range ports {
			used[*p] = true
		}
		n := 1
		next := func() int {
			for {
				if !used[n] {
					if _, err := os.Stat(fmt.Sprintf("%s-%d", info.IP, n)); os.IsNotExist(err) {
						used[n] = true
						return n
					}
				}
				n++
			}
		}
		for _, p := range ports {
			if *p == 0 {
				*p = next()
			}
		}
	default:
		return Info{}, fmt.Errorf("unknown transport %q", info.Transport)
	}
	return info, nil
}

// Port returns the port bound to the given channel.
func (i Info) Port(channel string) (int, error) {
	switch channel {
	case ShellChannel:
		return i.ShellPort, nil
	case IOPubChannel:
		return i.IOPubPort, nil
	case StdinChannel:
		return i.StdinPort, nil
	case ControlChannel:
		return i.ControlPort, nil
	case HBChannel:
		return i.HBPort, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
}

// Ports returns all five channel ports.
func (i Info) Ports() []int {
	return []int{i.ShellPort, i.IOPubPort, i.StdinPort, i.ControlPort, i.HBPort}
}

// Endpoint returns the ZeroMQ URL for the given channel.
func (i Info) Endpoint(channel string) (string, error) {
	port, err := i.Port(channel)
	if err != nil {
		return "", err
	}
	if i.Transport == "tcp" {
		return fmt.Sprintf("tcp://%s", net.JoinHostPort(i.IP, fmt.Sprintf("%d", port))), nil
	}
	return fmt.Sprintf("%s://%s-%d", i.Transport, i.IP, port), nil
}

// Validate checks the transport tag.
func (i Info) Validate() error {
	if i.Transport != "tcp" && i.Transport != "ipc" {
		return fmt.Errorf("unknown transport %q", i.Transport)
	}
	return nil
}

// WriteFile persists the Info as a JSON connection file. The file carries the
// shared secret, so it is not group or world readable.
func (i Info) WriteFile(path string) error {
	b, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling connection info: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("writing connection file: %w", err)
	}
	return nil
}

// LoadFile reads a JSON connection file. Absent optional fields get defaults:
// signature_scheme "hmac-sha256", transport "tcp", ip "127.0.0.1".
func LoadFile(path string) (Info, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("reading connection file: %w", err)
	}
	info := Info{
		Transport:       "tcp",
		IP:              "127.0.0.1",
		SignatureScheme: DefaultSignatureScheme,
	}
	if err := json.Unmarshal(b, &info); err != nil {
		return Info{}, fmt.Errorf("parsing connection file: %w", err)
	}
	if err := info.Validate(); err != nil {
		return Info{}, err
	}
	return info, nil
}

// CleanupIPCFiles removes the socket files of an ipc-transport kernel.
// Missing files are not an error.
func (i Info) CleanupIPCFiles() {
	if i.Transport != "ipc" {
		return
	}
	for _, port := range i.Ports() {
		os.Remove(fmt.Sprintf("%s-%d", i.IP, port))
	}
}
