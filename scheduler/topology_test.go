package scheduler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Four logical CPUs on two physical cores: cpus 0,1 are siblings on
// core 0 and cpus 2,3 are siblings on core 1.
const cpuinfoTwoCoresHT = `processor	: 0
vendor_id	: GenuineIntel
model name	: Test CPU
physical id	: 0
core id		: 0
cpu MHz		: 3400.000

processor	: 1
vendor_id	: GenuineIntel
model name	: Test CPU
physical id	: 0
core id		: 0
cpu MHz		: 3400.000

processor	: 2
vendor_id	: GenuineIntel
model name	: Test CPU
physical id	: 0
core id		: 1
cpu MHz		: 3400.000

processor	: 3
vendor_id	: GenuineIntel
model name	: Test CPU
physical id	: 0
core id		: 1
cpu MHz		: 3400.000
`

const cpuinfoDualSocket = `processor	: 0
physical id	: 0
core id		: 0

processor	: 1
physical id	: 1
core id		: 0

processor	: 2
physical id	: 0
core id		: 1

processor	: 3
physical id	: 1
core id		: 1
`

// No physical id / core id lines, as on many ARM hosts.
const cpuinfoNoTopology = `processor	: 0
BogoMIPS	: 50.00

processor	: 1
BogoMIPS	: 50.00
`

func parse(t *testing.T, content string) *Topology {
	t.Helper()
	topo, err := ParseTopology(strings.NewReader(content))
	require.NoError(t, err)
	return topo
}

func TestParseTopology(t *testing.T) {
	topo := parse(t, cpuinfoTwoCoresHT)

	require.Len(t, topo.CPUs, 4)
	assert.Equal(t, CPU{Logical: 1, Package: 0, Core: 0}, topo.CPUs[1])
	assert.Equal(t, 2, topo.PhysicalCores())
	assert.Equal(t, 4, topo.LogicalCPUs())
}

// Scenario: 4 logical / 2 physical cores. Default mode uses the two
// representatives 0 and 2; Saturate uses 0,2,1,3 in that order.
func TestRepresentativesAndOrder(t *testing.T) {
	topo := parse(t, cpuinfoTwoCoresHT)

	assert.Equal(t, []int{0, 2}, topo.Representatives())
	assert.Equal(t, []int{0, 2, 1, 3}, topo.OptimizedOrder())
}

func TestDualSocketRoundRobin(t *testing.T) {
	topo := parse(t, cpuinfoDualSocket)

	// Groups alternate sockets: (0,0)=0 (1,0)=1 (0,1)=2 (1,1)=3.
	assert.Equal(t, []int{0, 1, 2, 3}, topo.Representatives())
	assert.Equal(t, 4, topo.PhysicalCores())
}

func TestParseWithoutTopologyFields(t *testing.T) {
	topo := parse(t, cpuinfoNoTopology)

	require.Len(t, topo.CPUs, 2)
	assert.Equal(t, 2, topo.PhysicalCores())
	assert.Equal(t, []int{0, 1}, topo.Representatives())
	assert.Equal(t, []int{0, 1}, topo.OptimizedOrder())
}

func TestDetectTopologyNeverEmpty(t *testing.T) {
	topo := DetectTopology()
	assert.NotEmpty(t, topo.CPUs)
	assert.Positive(t, topo.PhysicalCores())

	// Brand may be empty inside stripped-down VMs; it must not panic.
	_ = Brand()
}
