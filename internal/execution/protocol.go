package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Output markers written by the driver script around its JSON payload.
const (
	ResultStart = "TASK_RESULT_START"
	ResultEnd   = "TASK_RESULT_END"
	ErrorStart  = "TASK_ERROR_START"
	ErrorEnd    = "TASK_ERROR_END"
)

const stderrTail = 2000

// Kind classifies an execution failure.
type Kind string

const (
	KindStart    Kind = "start"
	KindTask     Kind = "task"
	KindExit     Kind = "exit"
	KindTimeout  Kind = "timeout"
	KindCanceled Kind = "canceled"
	KindProtocol Kind = "protocol"
)

// Error is a failed execution. Message is always human readable; a timeout
// message reads "task timed out after <d>".
type Error struct {
	Kind      Kind
	Message   string
	Traceback string
	ExitCode  int
	Output    string
}

func (e *Error) Error() string { return e.Message }

// IsTimeout reports whether err is an execution timeout.
func IsTimeout(err error) bool {
	var execErr *Error
	return errors.As(err, &execErr) && execErr.Kind == KindTimeout
}

// IsCanceled reports whether err is an execution stopped by its caller.
func IsCanceled(err error) bool {
	var execErr *Error
	return errors.As(err, &execErr) && execErr.Kind == KindCanceled
}

// Result is a successful execution.
type Result struct {
	// Data is the JSON object returned by run_task.
	Data      json.RawMessage
	RawOutput string
	ExitCode  int
	// Raw is set when the process printed no result markers and Data wraps its output.
	Raw bool
}

type errorPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Traceback string `json:"traceback"`
}

// ExtractPayload returns the text between the last complete pair of start and
// end marker lines in output.
func ExtractPayload(output, start, end string) (string, bool) {
	var (
		payload   string
		found     bool
		capturing bool
		buf       []string
	)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == start:
			capturing = true
			buf = buf[:0]
		case line == end && capturing:
			payload = strings.Join(buf, "\n")
			found = true
			capturing = false
		case capturing:
			buf = append(buf, line)
		}
	}
	return payload, found
}

// interpret turns captured process output into a result or an *Error.
func interpret(stdout, stderr string, exitCode int) (*Result, error) {
	if payload, ok := ExtractPayload(stdout, ErrorStart, ErrorEnd); ok {
		var p errorPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, &Error{Kind: KindProtocol, Message: fmt.Sprintf("malformed error payload: %v", err), ExitCode: exitCode, Output: stdout}
		}
		msg := p.Message
		if msg == "" {
			msg = "task failed"
		}
		return nil, &Error{Kind: KindTask, Message: msg, Traceback: p.Traceback, ExitCode: exitCode, Output: stdout}
	}

	if payload, ok := ExtractPayload(stdout, ResultStart, ResultEnd); ok {
		var obj map[string]any
		if err := json.Unmarshal([]byte(payload), &obj); err != nil {
			return nil, &Error{Kind: KindProtocol, Message: fmt.Sprintf("malformed result payload: %v", err), ExitCode: exitCode, Output: stdout}
		}
		if obj == nil {
			return nil, &Error{Kind: KindProtocol, Message: "result payload is not an object", ExitCode: exitCode, Output: stdout}
		}
		return &Result{Data: json.RawMessage(payload), RawOutput: stdout, ExitCode: exitCode}, nil
	}

	if exitCode == 0 {
		data, err := json.Marshal(map[string]any{"raw_output": stdout, "exit_code": 0})
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, RawOutput: stdout, ExitCode: 0, Raw: true}, nil
	}

	msg := fmt.Sprintf("process exited with code %d", exitCode)
	if tail := tailOf(strings.TrimSpace(stderr), stderrTail); tail != "" {
		msg += ": " + tail
	}
	return nil, &Error{Kind: KindExit, Message: msg, ExitCode: exitCode, Output: stdout}
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
