package execution

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPayload(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   string
		found  bool
	}{
		{"none", "hello\nworld\n", "", false},
		{"simple", "log line\nTASK_RESULT_START\n{\"a\": 1}\nTASK_RESULT_END\n", `{"a": 1}`, true},
		{"crlf", "TASK_RESULT_START\r\n{\"a\": 1}\r\nTASK_RESULT_END\r\n", `{"a": 1}`, true},
		{"unterminated", "TASK_RESULT_START\n{\"a\": 1}\n", "", false},
		{"last pair wins", "TASK_RESULT_START\n1\nTASK_RESULT_END\nTASK_RESULT_START\n2\nTASK_RESULT_END\n", "2", true},
		{"marker inside text is ignored", "x TASK_RESULT_START y\nTASK_RESULT_END\n", "", false},
		{"multi line payload", "TASK_RESULT_START\n{\n\"a\": 1\n}\nTASK_RESULT_END", "{\n\"a\": 1\n}", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractPayload(tc.output, ResultStart, ResultEnd)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestInterpretResult(t *testing.T) {
	res, err := interpret("noise\nTASK_RESULT_START\n{\"a\": 1}\nTASK_RESULT_END\n", "", 0)
	require.NoError(t, err)
	assert.False(t, res.Raw)
	assert.JSONEq(t, `{"a": 1}`, string(res.Data))
}

func TestInterpretTaskError(t *testing.T) {
	out := "TASK_ERROR_START\n" + `{"status":"error","message":"boom","traceback":"Traceback...\nValueError: boom"}` + "\nTASK_ERROR_END\n"
	_, err := interpret(out, "", 1)
	var execErr *Error
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, KindTask, execErr.Kind)
	assert.Equal(t, "boom", execErr.Message)
	assert.Contains(t, execErr.Traceback, "ValueError")
	assert.Equal(t, 1, execErr.ExitCode)
}

func TestInterpretErrorTakesPrecedence(t *testing.T) {
	out := "TASK_RESULT_START\n{}\nTASK_RESULT_END\nTASK_ERROR_START\n{\"message\":\"late\"}\nTASK_ERROR_END\n"
	_, err := interpret(out, "", 1)
	var execErr *Error
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "late", execErr.Message)
}

func TestInterpretRawOutput(t *testing.T) {
	res, err := interpret("just printing\n", "", 0)
	require.NoError(t, err)
	assert.True(t, res.Raw)

	var data map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, "just printing\n", data["raw_output"])
	assert.Equal(t, float64(0), data["exit_code"])
}

func TestInterpretNonZeroExitWithoutPayload(t *testing.T) {
	_, err := interpret("partial\n", "Traceback\nImportError: nope\n", 2)
	var execErr *Error
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, KindExit, execErr.Kind)
	assert.Equal(t, 2, execErr.ExitCode)
	assert.Contains(t, execErr.Message, "process exited with code 2")
	assert.Contains(t, execErr.Message, "ImportError: nope")
}

func TestInterpretMalformedPayload(t *testing.T) {
	for _, out := range []string{
		"TASK_RESULT_START\nnot json\nTASK_RESULT_END\n",
		"TASK_RESULT_START\n[1, 2]\nTASK_RESULT_END\n",
		"TASK_RESULT_START\nnull\nTASK_RESULT_END\n",
	} {
		_, err := interpret(out, "", 0)
		var execErr *Error
		require.True(t, errors.As(err, &execErr), out)
		assert.Equal(t, KindProtocol, execErr.Kind, out)
	}
}

func TestCaptureKeepsTail(t *testing.T) {
	c := &capture{limit: 5}
	_, _ = c.Write([]byte("abc"))
	_, _ = c.Write([]byte("defg"))
	assert.Equal(t, "cdefg", c.String())
}
