package coremap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cores(n int) []Core {
	out := make([]Core, n)
	for i := range out {
		out[i] = Core{ID: i, Socket: i % 2}
	}
	return out
}

func TestAutoSmallTierOneMgmt(t *testing.T) {
	m, err := Auto(cores(4), nil)
	require.NoError(t, err)
	assert.Len(t, m.Mgmt(), 1)
	assert.Len(t, m.Workers(), 3)
	assert.Equal(t, RolePrimaryMgmt, m.Role(m.Mgmt()[0]))
}

func TestAutoMidTierTwoMgmtRoles(t *testing.T) {
	m, err := Auto(cores(20), nil)
	require.NoError(t, err)
	require.Len(t, m.Mgmt(), 2)
	roles := map[Role]bool{}
	for _, id := range m.Mgmt() {
		roles[m.Role(id)] = true
	}
	assert.True(t, roles[RolePrimaryMgmt])
	assert.True(t, roles[RoleTelemetry])
}

func TestAutoLargeTierFourMgmtRoles(t *testing.T) {
	m, err := Auto(cores(130), nil)
	require.NoError(t, err)
	require.Len(t, m.Mgmt(), 4)
}

func TestAutoFailsWithNoCores(t *testing.T) {
	_, err := Auto(nil, nil)
	assert.Error(t, err)
}

func TestAutoPrefersSocketZeroForMgmt(t *testing.T) {
	cs := []Core{{ID: 0, Socket: 1}, {ID: 1, Socket: 0}, {ID: 2, Socket: 1}}
	m, err := Auto(cs, nil)
	require.NoError(t, err)
	require.Len(t, m.Mgmt(), 1)
	assert.Equal(t, 1, m.Mgmt()[0])
}

func TestPortWorkersPrefersLocalSocket(t *testing.T) {
	cs := cores(8)
	ports := []Port{{ID: 0, Socket: 0}, {ID: 1, Socket: 1}}
	m, err := Auto(cs, ports)
	require.NoError(t, err)
	for _, w := range m.PortWorkers(0) {
		assert.Equal(t, 0, m.SocketOf(w))
	}
}

func TestManualRejectsEmptyWorkerSet(t *testing.T) {
	_, err := Manual(cores(4), nil, []int{0}, nil)
	assert.Error(t, err)
}

func TestManualRejectsDuplicateAssignment(t *testing.T) {
	_, err := Manual(cores(4), []int{0, 1}, []int{1}, nil)
	assert.Error(t, err)
}

func TestManualBuildsExpectedRoles(t *testing.T) {
	m, err := Manual(cores(4), []int{2, 3}, []int{0, 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, RoleWorker, m.Role(2))
	assert.Equal(t, RolePrimaryMgmt, m.Role(0))
}
