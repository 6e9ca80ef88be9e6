package cowbt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initTest(t *testing.T) string {
	dir := filepath.Join("testdata", t.Name())
	err := os.RemoveAll(dir)
	require.NoError(t, err)
	err = os.MkdirAll(dir, 0755)
	if err != nil && !os.IsExist(err) {
		t.Fatal(err)
	}
	return dir
}

func TestFreelist(t *testing.T) {
	t.Run("AllocFree", func(t *testing.T) {
		f := newFreelist(40, 40, 0)
		for want := uint64(40); want < 50; want++ {
			nr, err := f.Alloc()
			require.NoError(t, err)
			require.Equal(t, want, nr)
		}
		require.NoError(t, f.Free(45))
		require.NoError(t, f.Free(42))
		require.NoError(t, f.Free(48))
		require.Equal(t, 3, f.len())
		// lowest first, then the high-water mark grows
		for _, want := range []uint64{42, 45, 48, 50} {
			nr, err := f.Alloc()
			require.NoError(t, err)
			require.Equal(t, want, nr)
		}
	})
	t.Run("FreeErrors", func(t *testing.T) {
		f := newFreelist(40, 45, 0)
		require.ErrorIs(t, f.Free(39), ErrInvariant)
		require.ErrorIs(t, f.Free(45), ErrInvariant)
		require.NoError(t, f.Free(41))
		require.ErrorIs(t, f.Free(41), ErrInvariant)
	})
	t.Run("MaxBlocks", func(t *testing.T) {
		f := newFreelist(40, 40, 42)
		_, err := f.Alloc()
		require.NoError(t, err)
		_, err = f.Alloc()
		require.NoError(t, err)
		_, err = f.Alloc()
		require.ErrorIs(t, err, ErrNoSpace)
		require.NoError(t, f.Free(40))
		nr, err := f.Alloc()
		require.NoError(t, err)
		require.EqualValues(t, 40, nr)
	})
	t.Run("CloneIsIndependent", func(t *testing.T) {
		f := newFreelist(40, 50, 0)
		require.NoError(t, f.Free(44))
		c := f.clone()
		_, err := f.Alloc()
		require.NoError(t, err)
		require.NoError(t, f.Free(46))
		require.Equal(t, []uint64{44}, c.sorted(nil))
		require.Equal(t, []uint64{46}, f.sorted(nil))
	})
	t.Run("Marshal", func(t *testing.T) {
		f := newFreelist(40, 100, 0)
		for _, nr := range []uint64{90, 41, 77, 60} {
			require.NoError(t, f.Free(nr))
		}
		buf := f.marshal(12, []uint64{99, 50})
		g, gen, err := unmarshalFreelist(buf, 40, 0)
		require.NoError(t, err)
		require.EqualValues(t, 12, gen)
		require.EqualValues(t, 100, g.total)
		require.Equal(t, []uint64{41, 50, 60, 77, 90, 99}, g.sorted(nil))
		// pending extras are not applied to the source
		require.Equal(t, 4, f.len())
	})
	t.Run("Corrupt", func(t *testing.T) {
		f := newFreelist(40, 100, 0)
		require.NoError(t, f.Free(50))
		good := f.marshal(3, nil)
		for name, buf := range map[string][]byte{
			"Empty":    nil,
			"Short":    good[:8],
			"Checksum": append(append([]byte(nil), good[:len(good)-1]...), good[len(good)-1]^0xff),
		} {
			t.Run(name, func(t *testing.T) {
				_, _, err := unmarshalFreelist(buf, 40, 0)
				require.ErrorIs(t, err, errFreelistCorrupt)
			})
		}
		// a sidecar listing a block below the first usable one
		_, _, err := unmarshalFreelist(good, 60, 0)
		require.ErrorIs(t, err, errFreelistCorrupt)
	})
	t.Run("File", func(t *testing.T) {
		dir := initTest(t)
		path := filepath.Join(dir, "tree.freelist")
		f := newFreelist(40, 64, 0)
		require.NoError(t, f.Free(63))
		buf := f.marshal(2, nil)
		require.NoError(t, writeFreelistFile(path, buf, false))
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, buf, got)
		require.Equal(t, freelistCsum(buf), freelistCsum(got))
		_, err = os.Stat(path + ".tmp")
		require.True(t, os.IsNotExist(err))
	})
}
