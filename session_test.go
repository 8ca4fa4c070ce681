package usbip

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeDriver records driver calls and delegates URB completion to
// onSubmit.
type fakeDriver struct {
	mu         sync.Mutex
	configs    []uint8
	interfaces [][2]uint8
	cleared    []RawEndpoint
	aborted    []RawEndpoint

	failSetConfig bool
	onSubmit      func(ctx context.Context, urb *URB) error
	onAbort       func(ep RawEndpoint)
}

func (d *fakeDriver) SetConfig(_ context.Context, value uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSetConfig {
		return errors.New("device powered off")
	}
	d.configs = append(d.configs, value)
	return nil
}

func (d *fakeDriver) SelectInterface(_ context.Context, iface, alt uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interfaces = append(d.interfaces, [2]uint8{iface, alt})
	return nil
}

func (d *fakeDriver) ClearEndpoint(_ context.Context, ep RawEndpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared = append(d.cleared, ep)
	return nil
}

func (d *fakeDriver) AbortEndpoint(_ context.Context, ep RawEndpoint) error {
	d.mu.Lock()
	d.aborted = append(d.aborted, ep)
	onAbort := d.onAbort
	d.mu.Unlock()
	if onAbort != nil {
		onAbort(ep)
	}
	return nil
}

func (d *fakeDriver) SendURB(ctx context.Context, urb *URB) error {
	if d.onSubmit != nil {
		return d.onSubmit(ctx, urb)
	}
	urb.Status = 0
	urb.ActualLength = 0
	return nil
}

func (d *fakeDriver) Close() error { return nil }

func quietLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type sessionResult struct {
	err  error
	done chan struct{}
}

func (r *sessionResult) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

func startSession(t *testing.T, drv Driver) (net.Conn, *ConfigTree, *sessionResult) {
	t.Helper()
	client, server := net.Pipe()
	tree := testTree(t)
	h := &AttachedHandle{Record: testRecord(), Tree: tree}
	sess := NewSession(server, drv, h, nil, quietLog())
	res := &sessionResult{done: make(chan struct{})}
	go func() {
		res.err = sess.Run(context.Background())
		close(res.done)
	}()
	t.Cleanup(func() {
		client.Close()
		res.wait(t)
	})
	return client, tree, res
}

func readMessage(t *testing.T, conn net.Conn, extra int) ([]byte, Header) {
	t.Helper()
	buf := make([]byte, headerLen+extra)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	hdr, err := DecodeHeader(buf)
	require.NoError(t, err)
	return buf, hdr
}

func TestSessionBulkInRoundTrip(t *testing.T) {
	drv := &fakeDriver{
		onSubmit: func(_ context.Context, urb *URB) error {
			require.Equal(t, TransferTypeBulk, urb.Type)
			require.Equal(t, RawEndpoint(0x82), urb.Endpoint)
			require.Len(t, urb.Buffer, 64)
			for i := 0; i < 32; i++ {
				urb.Buffer[i] = byte(i)
			}
			urb.ActualLength = 32
			return nil
		},
	}
	client, _, _ := startSession(t, drv)

	hdr := Header{Seqnum: 7, Direction: DirIn, Endpoint: 2}
	_, err := client.Write(EncodeCmdSubmit(hdr, CmdSubmit{TransferBufferLength: 64}))
	require.NoError(t, err)

	buf, gotHdr := readMessage(t, client, 32)
	require.Equal(t, RetSubmitCode, gotHdr.Command)
	require.Equal(t, uint32(7), gotHdr.Seqnum)
	_, ret, err := DecodeRetSubmit(buf)
	require.NoError(t, err)
	require.Zero(t, ret.Status)
	require.Equal(t, uint32(32), ret.ActualLength)
	require.Equal(t, noPackets, ret.NumberOfPackets)
	for i := 0; i < 32; i++ {
		require.Equal(t, byte(i), buf[headerLen+i])
	}
}

func TestSessionBulkOutPayload(t *testing.T) {
	payload := []byte("out-data")
	got := make(chan []byte, 1)
	drv := &fakeDriver{
		onSubmit: func(_ context.Context, urb *URB) error {
			got <- append([]byte(nil), urb.Buffer...)
			urb.ActualLength = uint32(len(urb.Buffer))
			return nil
		},
	}
	client, _, _ := startSession(t, drv)

	hdr := Header{Seqnum: 8, Direction: DirOut, Endpoint: 2}
	msg := EncodeCmdSubmit(hdr, CmdSubmit{TransferBufferLength: uint32(len(payload))})
	_, err := client.Write(append(msg, payload...))
	require.NoError(t, err)

	buf, _ := readMessage(t, client, 0)
	_, ret, err := DecodeRetSubmit(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(len(payload)), ret.ActualLength)
	require.Equal(t, payload, <-got)
}

func TestSessionTrappedSetConfiguration(t *testing.T) {
	drv := &fakeDriver{}
	client, tree, _ := startSession(t, drv)

	hdr := Header{Seqnum: 1, Direction: DirOut, Endpoint: 0}
	cmd := CmdSubmit{Setup: SetupPacket{0x00, ReqSetConfiguration, 0x01, 0x00, 0, 0, 0, 0}}
	_, err := client.Write(EncodeCmdSubmit(hdr, cmd))
	require.NoError(t, err)

	buf, gotHdr := readMessage(t, client, 0)
	require.Equal(t, RetSubmitCode, gotHdr.Command)
	require.Equal(t, uint32(1), gotHdr.Seqnum)
	_, ret, err := DecodeRetSubmit(buf)
	require.NoError(t, err)
	require.Zero(t, ret.Status)
	require.Zero(t, ret.ActualLength)

	drv.mu.Lock()
	defer drv.mu.Unlock()
	require.Equal(t, []uint8{1}, drv.configs)
	require.Equal(t, uint8(1), tree.ActiveConfiguration())
}

func TestSessionTrappedSetInterface(t *testing.T) {
	drv := &fakeDriver{}
	client, tree, _ := startSession(t, drv)

	hdr := Header{Seqnum: 2, Direction: DirOut, Endpoint: 0}
	cmd := CmdSubmit{Setup: SetupPacket{0x01, ReqSetInterface, 0x01, 0x00, 0x00, 0x00, 0, 0}}
	_, err := client.Write(EncodeCmdSubmit(hdr, cmd))
	require.NoError(t, err)

	readMessage(t, client, 0)
	drv.mu.Lock()
	defer drv.mu.Unlock()
	require.Equal(t, [][2]uint8{{0, 1}}, drv.interfaces)
	typ, ok := tree.TransferType(0x83)
	require.True(t, ok)
	require.Equal(t, TransferTypeIsochronous, typ)
}

func TestSessionTrappedClearHalt(t *testing.T) {
	drv := &fakeDriver{}
	client, _, _ := startSession(t, drv)

	hdr := Header{Seqnum: 3, Direction: DirOut, Endpoint: 0}
	cmd := CmdSubmit{Setup: SetupPacket{0x02, ReqClearFeature, 0x00, 0x00, 0x81, 0x00, 0, 0}}
	_, err := client.Write(EncodeCmdSubmit(hdr, cmd))
	require.NoError(t, err)

	readMessage(t, client, 0)
	drv.mu.Lock()
	defer drv.mu.Unlock()
	require.Equal(t, []RawEndpoint{0x81}, drv.cleared)
}

func TestSessionControlForwardedAndMasked(t *testing.T) {
	// GET_DESCRIPTOR(CONFIGURATION) is forwarded, and the returned
	// descriptor must not advertise remote wakeup.
	drv := &fakeDriver{
		onSubmit: func(_ context.Context, urb *URB) error {
			require.Equal(t, TransferTypeControl, urb.Type)
			desc := []byte{9, 2, 48, 0, 1, 1, 0, 0xa0, 50}
			copy(urb.Buffer[setupLen:], desc)
			urb.ActualLength = uint32(setupLen + len(desc))
			return nil
		},
	}
	client, _, _ := startSession(t, drv)

	hdr := Header{Seqnum: 4, Direction: DirIn, Endpoint: 0}
	cmd := CmdSubmit{
		TransferBufferLength: 9,
		Setup:                SetupPacket{0x80, ReqGetDescriptor, 0x00, 0x02, 0, 0, 9, 0},
	}
	_, err := client.Write(EncodeCmdSubmit(hdr, cmd))
	require.NoError(t, err)

	buf, _ := readMessage(t, client, 9)
	_, ret, err := DecodeRetSubmit(buf)
	require.NoError(t, err)
	// Setup bytes are not part of the returned length.
	require.Equal(t, uint32(9), ret.ActualLength)
	require.Equal(t, byte(0x80), buf[headerLen+7])
}

func TestSessionPerEndpointOrdering(t *testing.T) {
	// The driver completes the second submit first; replies must still
	// come back in submit order.
	second := make(chan struct{})
	drv := &fakeDriver{
		onSubmit: func(ctx context.Context, urb *URB) error {
			if len(urb.Buffer) == 4 {
				select {
				case <-second:
				case <-ctx.Done():
				}
			} else {
				close(second)
			}
			urb.ActualLength = uint32(len(urb.Buffer))
			return nil
		},
	}
	client, _, _ := startSession(t, drv)

	_, err := client.Write(EncodeCmdSubmit(Header{Seqnum: 20, Direction: DirIn, Endpoint: 1}, CmdSubmit{TransferBufferLength: 4}))
	require.NoError(t, err)
	_, err = client.Write(EncodeCmdSubmit(Header{Seqnum: 21, Direction: DirIn, Endpoint: 1}, CmdSubmit{TransferBufferLength: 8}))
	require.NoError(t, err)

	buf, gotHdr := readMessage(t, client, 4)
	require.Equal(t, uint32(20), gotHdr.Seqnum)
	_, ret, err := DecodeRetSubmit(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(4), ret.ActualLength)

	_, gotHdr = readMessage(t, client, 8)
	require.Equal(t, uint32(21), gotHdr.Seqnum)
}

func TestSessionCrossEndpointInterleave(t *testing.T) {
	// A stuck endpoint must not hold up another endpoint's replies.
	release := make(chan struct{})
	drv := &fakeDriver{
		onSubmit: func(ctx context.Context, urb *URB) error {
			if urb.Endpoint == 0x81 {
				select {
				case <-release:
				case <-ctx.Done():
				}
			}
			urb.ActualLength = uint32(len(urb.Buffer))
			return nil
		},
	}
	client, _, _ := startSession(t, drv)

	_, err := client.Write(EncodeCmdSubmit(Header{Seqnum: 30, Direction: DirIn, Endpoint: 1}, CmdSubmit{TransferBufferLength: 4}))
	require.NoError(t, err)
	_, err = client.Write(EncodeCmdSubmit(Header{Seqnum: 31, Direction: DirIn, Endpoint: 2}, CmdSubmit{TransferBufferLength: 2}))
	require.NoError(t, err)

	_, gotHdr := readMessage(t, client, 2)
	require.Equal(t, uint32(31), gotHdr.Seqnum)

	close(release)
	_, gotHdr = readMessage(t, client, 4)
	require.Equal(t, uint32(30), gotHdr.Seqnum)
}

func TestSessionUnlink(t *testing.T) {
	// An unlink that wins the race steals the pending entry: the
	// aborted submit's reply is dropped and the unlink acknowledges
	// with -ECONNRESET. A second unlink for the same seqnum reports 0.
	blocked := make(chan struct{})
	drv := &fakeDriver{
		onSubmit: func(ctx context.Context, urb *URB) error {
			select {
			case <-blocked:
				urb.Status = -int32(unix.ECONNRESET)
			case <-ctx.Done():
			}
			return nil
		},
	}
	drv.onAbort = func(ep RawEndpoint) {
		close(blocked)
	}
	client, _, _ := startSession(t, drv)

	_, err := client.Write(EncodeCmdSubmit(Header{Seqnum: 10, Direction: DirIn, Endpoint: 1}, CmdSubmit{TransferBufferLength: 16}))
	require.NoError(t, err)
	_, err = client.Write(EncodeCmdUnlink(Header{Seqnum: 11}, CmdUnlink{Seqnum: 10}))
	require.NoError(t, err)

	buf, gotHdr := readMessage(t, client, 0)
	require.Equal(t, RetUnlinkCode, gotHdr.Command)
	require.Equal(t, uint32(11), gotHdr.Seqnum)
	_, ret, err := DecodeRetUnlink(buf)
	require.NoError(t, err)
	require.Equal(t, -int32(unix.ECONNRESET), ret.Status)

	drv.mu.Lock()
	require.Equal(t, []RawEndpoint{0x81}, drv.aborted)
	drv.mu.Unlock()

	_, err = client.Write(EncodeCmdUnlink(Header{Seqnum: 12}, CmdUnlink{Seqnum: 10}))
	require.NoError(t, err)
	buf, gotHdr = readMessage(t, client, 0)
	require.Equal(t, RetUnlinkCode, gotHdr.Command)
	require.Equal(t, uint32(12), gotHdr.Seqnum)
	_, ret, err = DecodeRetUnlink(buf)
	require.NoError(t, err)
	require.Zero(t, ret.Status)
}

func TestSessionUnlinkAfterCompletion(t *testing.T) {
	drv := &fakeDriver{
		onSubmit: func(_ context.Context, urb *URB) error {
			urb.ActualLength = uint32(len(urb.Buffer))
			return nil
		},
	}
	client, _, _ := startSession(t, drv)

	_, err := client.Write(EncodeCmdSubmit(Header{Seqnum: 40, Direction: DirIn, Endpoint: 1}, CmdSubmit{TransferBufferLength: 4}))
	require.NoError(t, err)
	_, gotHdr := readMessage(t, client, 4)
	require.Equal(t, RetSubmitCode, gotHdr.Command)

	_, err = client.Write(EncodeCmdUnlink(Header{Seqnum: 41}, CmdUnlink{Seqnum: 40}))
	require.NoError(t, err)
	buf, gotHdr := readMessage(t, client, 0)
	require.Equal(t, RetUnlinkCode, gotHdr.Command)
	_, ret, err := DecodeRetUnlink(buf)
	require.NoError(t, err)
	require.Zero(t, ret.Status)

	drv.mu.Lock()
	require.Empty(t, drv.aborted)
	drv.mu.Unlock()
}

func TestSessionDuplicateSeqnumFatal(t *testing.T) {
	drv := &fakeDriver{
		onSubmit: func(ctx context.Context, urb *URB) error {
			<-ctx.Done()
			return nil
		},
	}
	client, _, res := startSession(t, drv)

	msg := EncodeCmdSubmit(Header{Seqnum: 5, Direction: DirIn, Endpoint: 1}, CmdSubmit{TransferBufferLength: 4})
	_, err := client.Write(msg)
	require.NoError(t, err)
	_, err = client.Write(msg)
	require.NoError(t, err)

	require.True(t, errors.Is(res.wait(t), ErrProtocol))
}

func TestSessionPeerCloseIsOrderly(t *testing.T) {
	drv := &fakeDriver{}
	client, _, res := startSession(t, drv)
	client.Close()
	require.NoError(t, res.wait(t))
}

func TestSessionDriverErrorSurfacesAsStatus(t *testing.T) {
	// URB-level transfer failures are not fatal; they become the
	// RET_SUBMIT status.
	drv := &fakeDriver{
		onSubmit: func(_ context.Context, urb *URB) error {
			urb.Status = -int32(unix.EPIPE)
			return nil
		},
	}
	client, _, _ := startSession(t, drv)

	_, err := client.Write(EncodeCmdSubmit(Header{Seqnum: 50, Direction: DirIn, Endpoint: 1}, CmdSubmit{TransferBufferLength: 4}))
	require.NoError(t, err)
	buf, _ := readMessage(t, client, 0)
	_, ret, err := DecodeRetSubmit(buf)
	require.NoError(t, err)
	require.Equal(t, -int32(unix.EPIPE), ret.Status)
	require.Zero(t, ret.ActualLength)
}
