package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

// BackendSuite 对每种后端执行同一组契约测试。
type BackendSuite struct {
	suite.Suite
	open    func(t *testing.T) Backend
	backend Backend
	ctx     context.Context
}

func (s *BackendSuite) SetupTest() {
	s.ctx = context.Background()
	s.backend = s.open(s.T())
}

func (s *BackendSuite) TearDownTest() {
	s.NoError(s.backend.Close())
}

func (s *BackendSuite) TestUserRoundTrip() {
	uin := types.NewUIN(1001, types.KindRegular)
	rec := &userdata.Record{UIN: uin, Nickname: "Alice", PasswordHash: "h", Flags: types.FlagAdmin, TOTPSecret: "S"}
	s.Require().NoError(s.backend.Create(s.ctx, rec))
	s.Equal("alice", rec.Folded)

	got, err := s.backend.GetByNickname(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(*rec, *got)

	got, err = s.backend.GetByUIN(s.ctx, uin)
	s.Require().NoError(err)
	s.Equal("Alice", got.Nickname)

	_, err = s.backend.GetByUIN(s.ctx, types.NewUIN(9, types.KindRegular))
	s.ErrorIs(err, merr.ErrUserNotFound)
	_, err = s.backend.GetByNickname(s.ctx, "nobody")
	s.ErrorIs(err, merr.ErrUserNotFound)
}

func (s *BackendSuite) TestUniqueness() {
	uin := types.NewUIN(1001, types.KindRegular)
	s.Require().NoError(s.backend.Create(s.ctx, &userdata.Record{UIN: uin, Nickname: "Alice"}))

	err := s.backend.Create(s.ctx, &userdata.Record{UIN: uin, Nickname: "Other"})
	s.ErrorIs(err, merr.ErrDuplicateUIN)

	err = s.backend.Create(s.ctx, &userdata.Record{UIN: types.NewUIN(1002, types.KindRegular), Nickname: "ALICE"})
	s.ErrorIs(err, merr.ErrDuplicateNickname)
}

func (s *BackendSuite) TestUpdate() {
	uin := types.NewUIN(1001, types.KindRegular)
	rec := &userdata.Record{UIN: uin, Nickname: "Alice", PasswordHash: "old"}
	s.Require().NoError(s.backend.Create(s.ctx, rec))

	rec.PasswordHash = "new"
	rec.Flags = types.FlagMutedChat
	s.Require().NoError(s.backend.Update(s.ctx, rec))

	got, err := s.backend.GetByUIN(s.ctx, uin)
	s.Require().NoError(err)
	s.Equal("new", got.PasswordHash)
	s.True(got.Flags.Has(types.FlagMutedChat))

	missing := &userdata.Record{UIN: types.NewUIN(5, types.KindRegular), Nickname: "x"}
	s.ErrorIs(s.backend.Update(s.ctx, missing), merr.ErrUserNotFound)
}

func (s *BackendSuite) TestSpoolIDsMonotonic() {
	uin := types.NewUIN(1001, types.KindRegular)
	other := types.NewUIN(1002, types.KindRegular)

	id1, err := s.backend.Append(s.ctx, uin, []byte("one"))
	s.Require().NoError(err)
	id2, err := s.backend.Append(s.ctx, uin, []byte("two"))
	s.Require().NoError(err)
	s.Greater(id2, id1)
	_, err = s.backend.Append(s.ctx, other, []byte("else"))
	s.Require().NoError(err)

	s.Require().NoError(s.backend.Delete(s.ctx, uin, id1))
	s.Require().NoError(s.backend.Delete(s.ctx, uin, id2))
	id3, err := s.backend.Append(s.ctx, uin, []byte("three"))
	s.Require().NoError(err)
	s.Greater(id3, id2)

	entries, err := s.backend.List(s.ctx, uin)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(SpoolEntry{ID: id3, Data: []byte("three")}, entries[0])

	entries, err = s.backend.List(s.ctx, types.NewUIN(77, types.KindRegular))
	s.Require().NoError(err)
	s.Empty(entries)
}

func TestMemoryBackend(t *testing.T) {
	suite.Run(t, &BackendSuite{open: func(*testing.T) Backend { return NewMemory() }})
}

func TestBoltBackend(t *testing.T) {
	suite.Run(t, &BackendSuite{open: func(t *testing.T) Backend {
		b, err := OpenBolt(context.Background(), filepath.Join(t.TempDir(), "warp.db"), 1)
		require.NoError(t, err)
		return b
	}})
}

func TestBoltReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "warp.db")
	b, err := OpenBolt(ctx, path, 1)
	require.NoError(t, err)
	uin := types.NewUIN(1001, types.KindRegular)
	require.NoError(t, b.Create(ctx, &userdata.Record{UIN: uin, Nickname: "Alice"}))
	_, err = b.Append(ctx, uin, []byte("kept"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = OpenBolt(ctx, path, 1)
	require.NoError(t, err)
	defer b.Close()
	rec, err := b.GetByNickname(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uin, rec.UIN)
	entries, err := b.List(ctx, uin)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpenDriver(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	_, err = Open(ctx, Config{Driver: "cassandra"})
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)

	_, err = Open(ctx, Config{Driver: DriverBolt})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)

	_, err = Open(ctx, Config{Driver: DriverPostgres})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)
}
