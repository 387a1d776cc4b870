package peripheral

import (
	"testing"

	"github.com/rigado/blepm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnTableCapacity(t *testing.T) {
	tbl := newConnTable(1)

	_, c, err := tbl.add(1)
	require.NoError(t, err)
	assert.EqualValues(t, DefaultMTU, c.mtu)
	assert.True(t, tbl.full())

	_, _, err = tbl.add(2)
	assert.True(t, blepm.Is(err, blepm.ErrResourceExhausted), "got %v", err)
	assert.Equal(t, 1, tbl.len())

	_, err = tbl.remove(1)
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.len())

	_, _, err = tbl.add(2)
	require.NoError(t, err)
	_, _, ok := tbl.lookup(2)
	assert.True(t, ok)
}

func TestConnTableDuplicate(t *testing.T) {
	tbl := newConnTable(2)
	_, _, err := tbl.add(7)
	require.NoError(t, err)
	_, _, err = tbl.add(7)
	assert.True(t, blepm.Is(err, blepm.ErrInvalidState), "got %v", err)
	assert.Equal(t, 1, tbl.len())
}

func TestConnTableRemoveUnknown(t *testing.T) {
	tbl := newConnTable(2)
	_, _, err := tbl.add(1)
	require.NoError(t, err)

	_, err = tbl.remove(9)
	assert.True(t, blepm.Is(err, blepm.ErrNotFound), "got %v", err)
	assert.Equal(t, 1, tbl.len())

	_, err = tbl.remove(1)
	require.NoError(t, err)
	_, err = tbl.remove(1)
	assert.True(t, blepm.Is(err, blepm.ErrNotFound), "got %v", err)
	assert.Equal(t, 0, tbl.len())
}

func TestConnTableStaleKey(t *testing.T) {
	tbl := newConnTable(1)
	k, _, err := tbl.add(1)
	require.NoError(t, err)
	_, err = tbl.remove(1)
	require.NoError(t, err)
	_, _, err = tbl.add(2)
	require.NoError(t, err)

	_, ok := tbl.get(k)
	assert.False(t, ok, "key of a removed connection must not resolve to its successor")
}

func TestConnRSSIAverage(t *testing.T) {
	var c conn
	_, ok := c.averageRSSI()
	assert.False(t, ok)

	c.addRSSI(-40)
	c.addRSSI(-60)
	avg, ok := c.averageRSSI()
	require.True(t, ok)
	assert.Equal(t, -50, avg)

	for i := 0; i < rssiWindow; i++ {
		c.addRSSI(-70)
	}
	avg, _ = c.averageRSSI()
	assert.Equal(t, -70, avg)
	assert.Equal(t, rssiWindow, c.info().RSSISamples)
}

func TestFirstSubscribed(t *testing.T) {
	tbl := newConnTable(3)
	for _, h := range []blepm.ConnHandle{1, 2, 3} {
		_, _, err := tbl.add(h)
		require.NoError(t, err)
	}
	_, ok := tbl.firstSubscribed()
	assert.False(t, ok)

	_, c3, _ := tbl.lookup(3)
	c3.mode = Subscribed
	_, c2, _ := tbl.lookup(2)
	c2.mode = Subscribed

	c, ok := tbl.firstSubscribed()
	require.True(t, ok)
	assert.Equal(t, blepm.ConnHandle(2), c.handle)
}
