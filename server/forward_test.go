package server

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locator-go/logging"
	"locator-go/rbc"
)

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readLine(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	buf := make([]byte, 1024)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestForwarder_PublishesFixesAndFailures(t *testing.T) {
	positions := listenUDP(t)
	warnings := listenUDP(t)

	sender := rbc.NewSender(logging.NewNop())
	require.NoError(t, sender.AddTarget("udp", positions.LocalAddr().String(), rbc.FlagPosition))
	require.NoError(t, sender.AddTarget("udp", warnings.LocalAddr().String(), rbc.FlagWarning))
	require.NoError(t, sender.Start())
	defer sender.Stop()

	f := newFixture(t, WithPublisher(NewForwarder(sender)))
	ctx := context.Background()

	f.ingest(t, "Office", "ESP32_1", "-60")
	_, err := f.svc.CurrentLocation(ctx, testMAC, "Office")
	require.Error(t, err)

	line := readLine(t, warnings)
	assert.True(t, strings.HasPrefix(line, "warning:"), line)
	assert.Contains(t, line, testMAC)
	assert.Contains(t, line, "Office")
	assert.True(t, strings.HasSuffix(line, "\r\n"))

	f.ingest(t, "Office", "ESP32_4", "-55", "ESP32_3", "-70", "ESP32_2", "-65", "ESP32_1", "-60")
	loc, err := f.svc.CurrentLocation(ctx, testMAC, "Office")
	require.NoError(t, err)

	line = readLine(t, positions)
	assert.True(t, strings.HasPrefix(line, "position:"), line)
	assert.Contains(t, line, testMAC+",1,")
	assert.Equal(t, uint32(1), loc.Seq)
	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	assert.Len(t, f.pub.fixes, 1)
	assert.Len(t, f.pub.failures, 1)
}
