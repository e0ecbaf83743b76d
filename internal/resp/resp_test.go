package resp

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/stretchr/testify/require"
)

func TestReadCommandParsesArray(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	cmd, err := ReadCommand(r)
	require.NoError(t, err)
	require.Equal(t, "SET", cmd.Name)
	require.Equal(t, [][]byte{[]byte("k"), []byte("v")}, cmd.Args)
}

func TestReadCommandUppercasesName(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("*1\r\n$3\r\nget\r\n"))
	cmd, err := ReadCommand(r)
	require.NoError(t, err)
	require.Equal(t, "GET", cmd.Name)
}

func TestReadCommandRejectsNonArrayHeader(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("+PING\r\n"))
	_, err := ReadCommand(r)
	require.Error(t, err)
	require.IsType(t, ErrProtocol{}, err)
}

func TestReadCommandReturnsEOFOnCleanClose(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString(""))
	_, err := ReadCommand(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestWriteReplySimpleString(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, reply.OK()))
	require.Equal(t, "+OK\r\n", buf.String())
}

func TestWriteReplyError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, reply.Err("WRONGTYPE", "bad type")))
	require.Equal(t, "-WRONGTYPE bad type\r\n", buf.String())
}

func TestWriteReplyBulkString(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, reply.BulkString("hi")))
	require.Equal(t, "$2\r\nhi\r\n", buf.String())
}

func TestWriteReplyNullBulk(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, reply.NullBulk()))
	require.Equal(t, "$-1\r\n", buf.String())
}

func TestWriteReplyArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, reply.Array(reply.Integer(1), reply.BulkString("a"))))
	require.Equal(t, "*2\r\n:1\r\n$1\r\na\r\n", buf.String())
}

func TestIsPlaintextDetectsRESPHeader(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("*1\r\n$4\r\nPING\r\n"))
	ok, err := IsPlaintext(r)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIsPlaintextRejectsNonRESPFirstByte(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("\x16\x03\x01"))
	ok, err := IsPlaintext(r)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteCommandThenReadCommand(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCommand(&buf, "SET", "k", "v"))
	r := bufio.NewReader(&buf)
	cmd, err := ReadCommand(r)
	require.NoError(t, err)
	require.Equal(t, "SET", cmd.Name)
	require.Equal(t, [][]byte{[]byte("k"), []byte("v")}, cmd.Args)
}

func TestReadReplySimpleString(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("+OK\r\n"))
	rep, err := ReadReply(r)
	require.NoError(t, err)
	require.Equal(t, reply.Simple("OK"), rep)
}

func TestReadReplyError(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("-NOT_LEADER this node is not the leader\r\n"))
	rep, err := ReadReply(r)
	require.NoError(t, err)
	require.True(t, rep.IsError())
	require.Equal(t, "NOT_LEADER", rep.ErrorKind)
	require.Equal(t, "this node is not the leader", rep.ErrorMsg)
}

func TestReadReplyBulkAndNullBulk(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("$1\r\nv\r\n$-1\r\n"))
	rep, err := ReadReply(r)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), rep.Bulk)

	rep, err = ReadReply(r)
	require.NoError(t, err)
	require.Equal(t, reply.NullBulk(), rep)
}

func TestReadReplyArray(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("*2\r\n:1\r\n$1\r\na\r\n"))
	rep, err := ReadReply(r)
	require.NoError(t, err)
	require.Len(t, rep.Array, 2)
	require.Equal(t, int64(1), rep.Array[0].Int)
	require.Equal(t, []byte("a"), rep.Array[1].Bulk)
}

func TestWriteReplyThenReadReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, reply.Array(reply.BulkString("a"), reply.Integer(2))))
	r := bufio.NewReader(&buf)
	got, err := ReadReply(r)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), got.Array[0].Bulk)
	require.Equal(t, int64(2), got.Array[1].Int)
}

func TestRoundTripCommandThenReply(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n")
	r := bufio.NewReader(&buf)
	cmd, err := ReadCommand(r)
	require.NoError(t, err)
	require.Equal(t, "GET", cmd.Name)
	require.Equal(t, [][]byte{[]byte("k")}, cmd.Args)
}
