package rbc

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locator-go/logging"
)

var ts = time.Date(2024, 3, 1, 12, 30, 15, 250*int(time.Millisecond), time.UTC)

func TestFormatPosition(t *testing.T) {
	b := FormatPosition("AA:BB:CC:DD:EE:FF", "office", 7, ts, 7.4268, -0.0463)
	line := string(b)

	assert.True(t, strings.HasSuffix(line, "\r\n"))
	assert.Equal(t, ",AA:BB:CC:DD:EE:FF,7,2024-03-01 12:30:15.250,office,7.43,-0.05\r\n", line[len("position:   "):])

	n, err := strconv.Atoi(strings.TrimSpace(line[9:12]))
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, "position:", line[:9])
}

func TestFormatPosition_LongLine(t *testing.T) {
	b := FormatPosition(strings.Repeat("D", 60), strings.Repeat("v", 40), 1, ts, 1, 2)
	require.GreaterOrEqual(t, len(b), 100)
	n, err := strconv.Atoi(string(b[9:12]))
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
}

func TestFormatWarning(t *testing.T) {
	b := FormatWarning("AA:BB", "office", ts, "2 active anchors")
	line := string(b)
	assert.True(t, strings.HasPrefix(line, "warning:"))
	n, err := strconv.Atoi(strings.TrimSpace(line[8:11]))
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.True(t, strings.HasSuffix(line, ",AA:BB,2024-03-01 12:30:15.250,office,2 active anchors\r\n"))
}

func TestSender_UDPMask(t *testing.T) {
	positions, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer positions.Close()
	warnings, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer warnings.Close()

	s := NewSender(logging.NewNop())
	require.NoError(t, s.AddTarget("udp", positions.LocalAddr().String(), FlagPosition))
	require.NoError(t, s.AddTarget("udp", warnings.LocalAddr().String(), FlagWarning))
	require.NoError(t, s.Start())
	defer s.Stop()

	msg := FormatPosition("AA", "office", 1, ts, 1, 2)
	s.Send(msg, FlagPosition)

	buf := make([]byte, 512)
	positions.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := positions.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf[:n])

	warnings.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = warnings.ReadFromUDP(buf)
	assert.Error(t, err)
}

func TestSender_TCPWithHeader(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := NewSender(logging.NewNop())
	s.SetHeader("site1")
	require.NoError(t, s.AddTarget("tcp", ln.Addr().String(), FlagAll))
	require.NoError(t, s.Start())
	defer s.Stop()

	s.Send(FormatPosition("AA", "office", 1, ts, 1, 2), FlagPosition)

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "site1:position:"))
}

func TestSender_UnknownNetwork(t *testing.T) {
	s := NewSender(logging.NewNop())
	assert.Error(t, s.AddTarget("serial", "COM1", FlagAll))
}

func TestSender_SendAfterStopIsNoop(t *testing.T) {
	s := NewSender(logging.NewNop())
	s.AddTCPSender("127.0.0.1:1", FlagAll)
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()
	assert.NotPanics(t, func() { s.Send([]byte("x"), FlagPosition) })
}
