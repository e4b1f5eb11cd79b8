package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandText(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CmdLogin, "LOGIN ops secret"},
		{CmdOpenData, "OPENDATA 010500"},
		{CmdHeartbeat, "HARTBEAT"},
		{CmdTraceIP, "GETDATA TRACIP01"},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			require.Equal(t, tt.want, tt.cmd.Text("ops", "secret"))
		})
	}
}

func TestFrame(t *testing.T) {
	got := Frame("HARTBEAT")
	want := []byte{
		0x00, 0x00, 0x00, 0x0d, // 4 flags + 8 text + LF
		0x54, 0x20, 0x20, 0x20,
		'H', 'A', 'R', 'T', 'B', 'E', 'A', 'T', '\n',
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Frame = % x\nwant   % x", got, want)
	}

	text, err := Unframe(got)
	require.NoError(t, err)
	require.Equal(t, "HARTBEAT", text)
}

func TestUnframe_Malformed(t *testing.T) {
	_, err := Unframe([]byte{0, 0, 0})
	require.Error(t, err)

	bad := Frame("LOGIN a b")
	bad[3]++
	_, err = Unframe(bad)
	require.Error(t, err)
}

func TestVerb(t *testing.T) {
	require.Equal(t, "LOGIN", Verb("LOGIN ops secret"))
	require.Equal(t, "HARTBEAT", Verb("HARTBEAT"))
	require.Equal(t, "ABCDEFGH", Verb("ABCDEFGHIJ"))
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"exact", "GOOD00001F90GOOD\n", "GOOD00001F90GOOD"},
		{"trailing garbage", "GOOD00001F90GOODxxxx\n", "GOOD00001F90GOOD"},
		{"short", "FAIL\r\n", "FAIL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ParseReply([]byte(tt.in)).Text)
		})
	}
}

func TestReplyPredicates(t *testing.T) {
	good := Reply{Text: "GOODxxxxxxxxGOOD"}
	require.True(t, good.Good())
	require.False(t, good.Failed())
	require.Equal(t, "GOOD", good.Status())

	half := Reply{Text: "GOODxxxxxxxxFAIL"}
	require.False(t, half.Good())

	fail := Reply{Text: "FAILLGINSAIN...."}
	require.True(t, fail.Failed())
	require.Equal(t, "LGINSAIN", fail.Field())

	done := Reply{Text: "GOOD0000DONEGOOD"}
	require.True(t, done.Done())
	require.False(t, Reply{Text: "GOOD00120345GOOD"}.Done())
	require.False(t, Reply{Text: "GOOD"}.Done())
}

func TestReplyHex(t *testing.T) {
	tests := []struct {
		text    string
		want    int32
		wantErr bool
	}{
		{"GOOD0000FF00GOOD", 0xff00, false},
		{"GOOD00001F90GOOD", 8080, false},
		{"GOODFFFFF1F0GOOD", -3600, false},
		{"GOODzzzzzzzzGOOD", 0, true},
		{"GOOD12", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := Reply{Text: tt.text}.Hex()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestReplyDescriptor(t *testing.T) {
	d, err := Reply{Text: "GOOD00120345GOOD"}.Descriptor(CmdTraceIP)
	require.NoError(t, err)
	require.Equal(t, Descriptor{Command: "TRACIP01", Count: 12, Length: 345}, d)

	_, err = Reply{Text: "GOODabcd0345GOOD"}.Descriptor(CmdTraceIP)
	require.Error(t, err)
	_, err = Reply{Text: "GOOD"}.Descriptor(CmdTraceIP)
	require.Error(t, err)
}

func TestFailureMessages(t *testing.T) {
	require.Equal(t, "Login failed! User already logged in.",
		LoginFailure(Reply{Text: "FAILLGINSAIN...."}))
	require.Equal(t, "Login failed! User already logged in.",
		LoginFailure(Reply{Text: "FAILLGINALGI...."}))
	require.Equal(t, "Login failed! BADPASSW",
		LoginFailure(Reply{Text: "FAILBADPASSWFAIL"}))

	require.Equal(t, "Capture failed! The buffer is not full.",
		CaptureFailure(Reply{Text: "FAILTRACTDNZFAIL"}))
	require.Equal(t, "Capture failed! FAILTRACNOTRFAIL",
		CaptureFailure(Reply{Text: "FAILTRACNOTRFAIL"}))
}
