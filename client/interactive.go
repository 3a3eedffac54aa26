package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/kernelclient/channels"
	"github.com/guseggert/kernelclient/session"
)

// WaitForReply blocks until the shell reply correlated with msgID arrives.
// Replies addressed to other requests are discarded. Context expiry converts
// to ErrTimeout.
func (c *Client) WaitForReply(ctx context.Context, msgID string) (session.Message, error) {
	if !c.running {
		return session.Message{}, ErrChannelsNotRunning
	}
	return c.recvReply(ctx, c.shell, msgID)
}

// WaitForControlReply is WaitForReply for the control channel, used for
// shutdown and interrupt-by-message requests.
func (c *Client) WaitForControlReply(ctx context.Context, msgID string) (session.Message, error) {
	if !c.running {
		return session.Message{}, ErrChannelsNotRunning
	}
	return c.recvReply(ctx, c.control, msgID)
}

func (c *Client) recvReply(ctx context.Context, ch *channels.SocketChannel, msgID string) (session.Message, error) {
	for {
		msg, err := ch.GetMsg(ctx)
		if errors.Is(err, channels.ErrEmpty) {
			return session.Message{}, ErrTimeout
		}
		if err != nil {
			return session.Message{}, err
		}
		if !msg.IsReplyTo(msgID) {
			// not our reply, someone may have forgotten to retrieve theirs
			continue
		}
		return msg, nil
	}
}

func (c *Client) handleKernelInfoReply(msg session.Message) {
	version, ok := msg.Content["protocol_version"].(string)
	if !ok {
		return
	}
	major, err := strconv.Atoi(strings.SplitN(version, ".", 2)[0])
	if err != nil {
		return
	}
	if major != session.MajorProtocolVersion {
		c.log.Debugf("adapting to kernel protocol version %d", major)
		c.sess.SetAdaptVersion(major)
	}
}

// WaitForReady performs the startup handshake: wait for the kernel to become
// responsive, fetch a kernel_info_reply (adapting the protocol version it
// reports), and drain any iopub backlog. It fails if the kernel dies during
// the wait or the context expires.
func (c *Client) WaitForReady(ctx context.Context) error {
	if !c.running {
		return ErrChannelsNotRunning
	}

	if !c.OwnsKernel() {
		// we did not launch this kernel, so wait for it to respond to
		// heartbeats before expecting a kernel_info reply
		for !c.IsAlive() {
			select {
			case <-ctx.Done():
				return fmt.Errorf("kernel did not respond to heartbeats: %w", ErrTimeout)
			case <-time.After(200 * time.Millisecond):
			}
		}
	}

	if _, err := c.KernelInfo(); err != nil {
		return err
	}

	for {
		msg, err := c.shell.GetMsgTimeout(time.Second)
		if err == nil && msg.MsgType() == "kernel_info_reply" {
			c.handleKernelInfoReply(msg)
			break
		}
		if err != nil && !errors.Is(err, channels.ErrEmpty) {
			return err
		}
		if !c.IsAlive() {
			return fmt.Errorf("kernel died before replying to kernel_info: %w", ErrKernelDied)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("kernel did not reply to kernel_info: %w", ErrTimeout)
		default:
		}
	}

	// drain the iopub backlog
	for {
		if _, err := c.iopub.GetMsgTimeout(200 * time.Millisecond); err != nil {
			break
		}
	}
	return nil
}

// OutputHook receives each iopub message produced by an interactive execute.
type OutputHook func(msg session.Message)

// StdinHook receives each input_request produced by an interactive execute.
type StdinHook func(msg session.Message)

// defaultOutputHook redisplays plain-text output locally.
func (c *Client) defaultOutputHook(msg session.Message) {
	switch msg.MsgType() {
	case "stream":
		text, _ := msg.Content["text"].(string)
		if name, _ := msg.Content["name"].(string); name == "stderr" {
			fmt.Fprint(os.Stderr, text)
		} else {
			fmt.Fprint(os.Stdout, text)
		}
	case "display_data", "execute_result":
		if data, ok := msg.Content["data"].(map[string]interface{}); ok {
			if text, ok := data["text/plain"].(string); ok {
				fmt.Fprint(os.Stdout, text)
			}
		}
	case "error":
		if traceback, ok := msg.Content["traceback"].([]interface{}); ok {
			for _, line := range traceback {
				fmt.Fprintln(os.Stderr, line)
			}
		}
	}
}

// defaultStdinHook reads a line from stdin and replies with it. EOF becomes
// the EOF control character.
func (c *Client) defaultStdinHook(msg session.Message) {
	if prompt, ok := msg.Content["prompt"].(string); ok {
		fmt.Fprint(os.Stdout, prompt)
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		line = "\x04"
	}
	line = strings.TrimSuffix(line, "\n")
	if err := c.Input(line, msg); err != nil {
		c.log.Debugf("sending input reply: %s", err)
	}
}

// ExecuteInteractive executes code and relays its output and stdin prompts
// until the kernel reports idle for this request, then returns the shell
// reply. Output and stdin messages belonging to other requests are not
// delivered to the hooks.
func (c *Client) ExecuteInteractive(ctx context.Context, req ExecuteRequest, outputHook OutputHook, stdinHook StdinHook) (session.Message, error) {
	if !c.running {
		return session.Message{}, ErrChannelsNotRunning
	}
	allowStdin := boolOr(req.AllowStdin, c.allowStdin)
	req.AllowStdin = &allowStdin

	msgID, err := c.Execute(req)
	if err != nil {
		return session.Message{}, err
	}

	if outputHook == nil {
		outputHook = c.defaultOutputHook
	}
	if stdinHook == nil {
		stdinHook = c.defaultStdinHook
	}

	var stdinMsgs <-chan channels.Recv
	if allowStdin {
		stdinMsgs = c.stdin.Messages()
	}

loop:
	for {
		select {
		case <-ctx.Done():
			return session.Message{}, fmt.Errorf("waiting for output: %w", ErrTimeout)
		case res := <-stdinMsgs:
			if res.Err != nil {
				return session.Message{}, res.Err
			}
			if res.Msg.MsgType() == "input_request" && res.Msg.IsReplyTo(msgID) {
				stdinHook(res.Msg)
			}
		case res := <-c.iopub.Messages():
			if res.Err != nil {
				return session.Message{}, res.Err
			}
			msg := res.Msg
			if !msg.IsReplyTo(msgID) {
				// output from some other request
				continue
			}
			outputHook(msg)
			if msg.MsgType() == "status" && msg.Content["execution_state"] == "idle" {
				break loop
			}
		}
	}

	return c.WaitForReply(ctx, msgID)
}
