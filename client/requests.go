package client

import (
	"github.com/guseggert/kernelclient/session"
)

// ExecuteRequest asks the kernel to execute code.
type ExecuteRequest struct {
	Code string
	// Silent executes as quietly as possible and forces StoreHistory false.
	Silent bool
	// StoreHistory records the code in the kernel's history. Defaults to true.
	StoreHistory *bool
	// UserExpressions maps names to expressions evaluated after execution.
	UserExpressions map[string]string
	// AllowStdin permits the kernel to send input requests. Defaults to the
	// client's setting.
	AllowStdin *bool
	// StopOnError aborts the execution queue on an error. Defaults to true.
	StopOnError *bool
}

// HistoryRequest fetches entries from the kernel's history.
type HistoryRequest struct {
	Raw    bool
	Output bool
	// HistAccessType is "range", "tail" or "search". Defaults to "range".
	HistAccessType string
	Session        int
	Start          int
	Stop           int
	N              int
	Pattern        string
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (c *Client) sendShell(msgType string, content map[string]interface{}) (string, error) {
	if !c.running {
		return "", ErrChannelsNotRunning
	}
	msg := c.sess.Msg(msgType, content)
	if err := c.shell.Send(msg); err != nil {
		return "", err
	}
	return msg.Header.MsgID, nil
}

func (c *Client) sendControl(msgType string, content map[string]interface{}) (string, error) {
	if !c.running {
		return "", ErrChannelsNotRunning
	}
	msg := c.sess.Msg(msgType, content)
	if err := c.control.Send(msg); err != nil {
		return "", err
	}
	return msg.Header.MsgID, nil
}

// Execute sends an execute_request and returns its msg_id.
func (c *Client) Execute(req ExecuteRequest) (string, error) {
	userExpressions := map[string]string{}
	if req.UserExpressions != nil {
		userExpressions = req.UserExpressions
	}
	storeHistory := boolOr(req.StoreHistory, true) && !req.Silent
	return c.sendShell("execute_request", map[string]interface{}{
		"code":             req.Code,
		"silent":           req.Silent,
		"store_history":    storeHistory,
		"user_expressions": userExpressions,
		"allow_stdin":      boolOr(req.AllowStdin, c.allowStdin),
		"stop_on_error":    boolOr(req.StopOnError, true),
	})
}

// Complete sends a complete_request for the code at cursorPos. A negative
// cursorPos means the end of the code.
func (c *Client) Complete(code string, cursorPos int) (string, error) {
	if cursorPos < 0 {
		cursorPos = len(code)
	}
	return c.sendShell("complete_request", map[string]interface{}{
		"code":       code,
		"cursor_pos": cursorPos,
	})
}

// Inspect sends an inspect_request for the object at cursorPos, with
// detailLevel 0-2. A negative cursorPos means the end of the code.
func (c *Client) Inspect(code string, cursorPos, detailLevel int) (string, error) {
	if cursorPos < 0 {
		cursorPos = len(code)
	}
	return c.sendShell("inspect_request", map[string]interface{}{
		"code":         code,
		"cursor_pos":   cursorPos,
		"detail_level": detailLevel,
	})
}

// History sends a history_request.
func (c *Client) History(req HistoryRequest) (string, error) {
	accessType := req.HistAccessType
	if accessType == "" {
		accessType = "range"
	}
	content := map[string]interface{}{
		"raw":              req.Raw,
		"output":           req.Output,
		"hist_access_type": accessType,
	}
	switch accessType {
	case "range":
		content["session"] = req.Session
		content["start"] = req.Start
		content["stop"] = req.Stop
	case "tail":
		content["n"] = req.N
	case "search":
		content["pattern"] = req.Pattern
	}
	return c.sendShell("history_request", content)
}

// KernelInfo sends a kernel_info_request.
func (c *Client) KernelInfo() (string, error) {
	return c.sendShell("kernel_info_request", nil)
}

// CommInfo sends a comm_info_request, optionally restricted to a target name.
func (c *Client) CommInfo(targetName string) (string, error) {
	content := map[string]interface{}{}
	if targetName != "" {
		content["target_name"] = targetName
	}
	return c.sendShell("comm_info_request", content)
}

// IsComplete asks the kernel whether code is complete and ready to execute.
func (c *Client) IsComplete(code string) (string, error) {
	return c.sendShell("is_complete_request", map[string]interface{}{"code": code})
}

// Shutdown sends a shutdown_request on the control channel. On receipt of the
// reply the kernel can be assumed down and safe to kill.
func (c *Client) Shutdown(restart bool) (string, error) {
	return c.sendControl("shutdown_request", map[string]interface{}{"restart": restart})
}

// Interrupt interrupts the kernel. In "message" mode it sends an
// interrupt_request on the control channel and returns its msg_id; in
// "signal" mode it asks the owning manager to signal the process and returns
// an empty msg_id.
func (c *Client) Interrupt() (string, error) {
	if c.interruptMode == "message" {
		return c.sendControl("interrupt_request", nil)
	}
	if c.kernel != nil {
		return "", c.kernel.InterruptKernel()
	}
	c.log.Warnf("can't send signal to a kernel we did not launch")
	return "", nil
}

// Input sends a raw input string on the stdin channel, in response to the
// kernel's input_request carried in parent.
func (c *Client) Input(value string, parent session.Message) error {
	if !c.running {
		return ErrChannelsNotRunning
	}
	msg := c.sess.Msg("input_reply",
		map[string]interface{}{"value": value},
		session.WithParent(parent.Header),
	)
	return c.stdin.Send(msg)
}
