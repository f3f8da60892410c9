package shm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/shm-channel/internal/shm"
)

func TestStateWordRoundTrip(t *testing.T) {
	for _, turn := range []Turn{WriterTurn, ReaderTurn} {
		for _, holder := range []Role{Initiator, Responder} {
			for _, closed := range []bool{false, true} {
				in := State{Turn: turn, Holder: holder, Closed: closed, Length: 0x00abcdef}
				out, err := decodeWord(in.encode())
				require.NoError(t, err)
				assert.Equal(t, in, out)
			}
		}
	}
}

func TestStateWordReservedBits(t *testing.T) {
	for _, bit := range []byte{1 << 2, 1 << 3, 1 << 4, 1 << 5, 1 << 6} {
		b := newTestBuffer(t, 16)
		b.mem[turnOffset] = bit
		_, err := b.Load()
		var pe *ProtocolError
		assert.True(t, errors.As(err, &pe), "bit %#x", bit)
	}
}

func TestWireLayout(t *testing.T) {
	b := newTestBuffer(t, 16)
	h := NewHandshake(b, Responder, WaitBackoff, 0, 0)
	internalshm.AtomicStoreUint32(b.word, State{Turn: WriterTurn, Holder: Responder}.encode())
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, h.CommitWrite(n))

	assert.Equal(t, []byte{
		turnBit | holderBit, // reader turn, written by the responder
		3, 0, 0, 0,          // little-endian length
		'a', 'b', 'c', 0,
	}, b.mem[:9])
}

type HandshakeTestSuite struct {
	suite.Suite
	strategy WaitStrategy
	buf      *Buffer
	ini      *Handshake
	resp     *Handshake
}

func (s *HandshakeTestSuite) SetupTest() {
	s.buf = newTestBuffer(s.T(), 64)
	s.ini = NewHandshake(s.buf, Initiator, s.strategy, time.Second, 10*time.Millisecond)
	s.resp = NewHandshake(s.buf, Responder, s.strategy, time.Second, 10*time.Millisecond)
}

func (s *HandshakeTestSuite) short() context.Context {
	ctx, cancel := timeout(30 * time.Millisecond)
	s.T().Cleanup(cancel)
	return ctx
}

func (s *HandshakeTestSuite) TestInitialTurn() {
	_, err := s.ini.WaitForTurn(s.short(), WriterTurn)
	s.Require().NoError(err)

	_, err = s.resp.WaitForTurn(s.short(), WriterTurn)
	s.Require().ErrorIs(err, ErrTimedOut)
	_, err = s.resp.WaitForTurn(s.short(), ReaderTurn)
	s.Require().ErrorIs(err, ErrTimedOut)
	_, err = s.ini.WaitForTurn(s.short(), ReaderTurn)
	s.Require().ErrorIs(err, ErrTimedOut)
}

func (s *HandshakeTestSuite) TestTurnAlternates() {
	n, _ := s.buf.Write([]byte("one"))
	s.Require().NoError(s.ini.CommitWrite(n))

	// the writer cannot write again, nor read its own message
	_, err := s.ini.WaitForTurn(s.short(), WriterTurn)
	s.Require().ErrorIs(err, ErrTimedOut)
	_, err = s.ini.WaitForTurn(s.short(), ReaderTurn)
	s.Require().ErrorIs(err, ErrTimedOut)

	st, err := s.resp.WaitForTurn(s.short(), ReaderTurn)
	s.Require().NoError(err)
	s.Require().Equal(uint32(3), st.Length)
	s.Require().NoError(s.resp.CommitRead())

	// the reader now holds the write turn
	_, err = s.resp.WaitForTurn(s.short(), WriterTurn)
	s.Require().NoError(err)
	_, err = s.ini.WaitForTurn(s.short(), WriterTurn)
	s.Require().ErrorIs(err, ErrTimedOut)
}

func (s *HandshakeTestSuite) TestFlipWithoutTurnIsProtocolError() {
	var pe *ProtocolError
	s.Require().True(errors.As(s.resp.CommitWrite(1), &pe))
	s.Require().True(errors.As(s.ini.CommitRead(), &pe))
	// the state word is left alone
	st, err := s.buf.Load()
	s.Require().NoError(err)
	s.Require().Equal(State{Turn: WriterTurn, Holder: Initiator}, st)
}

func (s *HandshakeTestSuite) TestWakeup() {
	done := make(chan error, 1)
	go func() {
		ctx, cancel := timeout(2 * time.Second)
		defer cancel()
		_, err := s.resp.WaitForTurn(ctx, ReaderTurn)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	n, _ := s.buf.Write([]byte("wake"))
	s.Require().NoError(s.ini.CommitWrite(n))

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(time.Second):
		s.T().Fatal("reader was not woken")
	}
}

func (s *HandshakeTestSuite) TestTimeoutBound() {
	start := time.Now()
	ctx, cancel := timeout(100 * time.Millisecond)
	defer cancel()
	_, err := s.resp.WaitForTurn(ctx, ReaderTurn)
	elapsed := time.Since(start)
	s.Require().ErrorIs(err, ErrTimedOut)
	s.Require().GreaterOrEqual(elapsed, 95*time.Millisecond)
	s.Require().Less(elapsed, 300*time.Millisecond)
}

func (s *HandshakeTestSuite) TestDefaultTimeoutWithoutDeadline() {
	h := NewHandshake(s.buf, Responder, s.strategy, 40*time.Millisecond, 10*time.Millisecond)
	_, err := h.WaitForTurn(context.Background(), ReaderTurn)
	s.Require().ErrorIs(err, ErrTimedOut)
}

func (s *HandshakeTestSuite) TestCancel() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.resp.WaitForTurn(ctx, ReaderTurn)
	s.Require().ErrorIs(err, context.Canceled)
}

func (s *HandshakeTestSuite) TestMarkClosed() {
	done := make(chan error, 1)
	go func() {
		_, err := s.resp.WaitForTurn(context.Background(), ReaderTurn)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	first, err := s.ini.MarkClosed()
	s.Require().NoError(err)
	s.Require().True(first)
	again, err := s.ini.MarkClosed()
	s.Require().NoError(err)
	s.Require().False(again)

	select {
	case err := <-done:
		s.Require().ErrorIs(err, ErrPeerClosed)
	case <-time.After(time.Second):
		s.T().Fatal("waiter did not observe close")
	}
}

func (s *HandshakeTestSuite) TestPendingMessageSurvivesClose() {
	n, _ := s.buf.Write([]byte("bye"))
	s.Require().NoError(s.ini.CommitWrite(n))
	_, err := s.ini.MarkClosed()
	s.Require().NoError(err)

	st, err := s.resp.WaitForTurn(s.short(), ReaderTurn)
	s.Require().NoError(err)
	s.Require().True(st.Closed)
	s.Require().NoError(s.resp.CommitRead())

	_, err = s.resp.WaitForTurn(s.short(), WriterTurn)
	s.Require().ErrorIs(err, ErrPeerClosed)
	_, err = s.resp.WaitForTurn(s.short(), ReaderTurn)
	s.Require().ErrorIs(err, ErrPeerClosed)
}

func (s *HandshakeTestSuite) TestCorruptionIsReportedNotRepaired() {
	s.buf.mem[turnOffset] = 0x42
	_, err := s.resp.WaitForTurn(s.short(), ReaderTurn)
	var pe *ProtocolError
	s.Require().True(errors.As(err, &pe))
	s.Require().Equal(byte(0x42), s.buf.mem[turnOffset])
	_, err = s.ini.MarkClosed()
	s.Require().True(errors.As(err, &pe))
}

func TestHandshakeBackoff(t *testing.T) {
	suite.Run(t, &HandshakeTestSuite{strategy: WaitBackoff})
}

func TestHandshakeFutex(t *testing.T) {
	if !internalshm.FutexSupported {
		t.Skip("no futex on this platform")
	}
	suite.Run(t, &HandshakeTestSuite{strategy: WaitFutex})
}
