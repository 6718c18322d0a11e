// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package numa_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	. "github.com/containers/pagepool/pkg/mem/numa"
	"github.com/containers/pagepool/pkg/mem/physmap"
)

func TestUniform(t *testing.T) {
	nodes := Uniform(2, 2, 0x100000, 0x200000)
	require.Len(t, nodes, 2)

	require.Equal(t, 0, nodes[0].ID)
	require.Equal(t, []int{0, 1}, nodes[0].CPUs.List())
	require.Empty(t, cmp.Diff([]physmap.Region{{Base: 0x100000, End: 0x200000}}, nodes[0].Mems))

	require.Equal(t, 1, nodes[1].ID)
	require.Equal(t, []int{2, 3}, nodes[1].CPUs.List())
	require.Empty(t, cmp.Diff([]physmap.Region{{Base: 0x200000, End: 0x300000}}, nodes[1].Mems))

	require.Equal(t, 2, nodes[0].NumCPUs())
	require.Equal(t, "node #0, cpus 0-1, mems [0x100000-0x200000)", nodes[0].String())
}

func TestDiscoverSysfs(t *testing.T) {
	root := t.TempDir()
	for id, cpulist := range map[int]string{0: "0-3", 1: "4-7"} {
		dir := filepath.Join(root, "devices", "system", "node", "node"+string(rune('0'+id)))
		require.Nil(t, os.MkdirAll(dir, 0o755))
		require.Nil(t, os.WriteFile(filepath.Join(dir, "cpulist"), []byte(cpulist+"\n"), 0o644))
	}

	nodes, err := DiscoverSysfs(root)
	require.Nil(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, 0, nodes[0].ID)
	require.Equal(t, []int{0, 1, 2, 3}, nodes[0].CPUs.List())
	require.Equal(t, []int{4, 5, 6, 7}, nodes[1].CPUs.List())
	require.Empty(t, nodes[0].Mems, "sysfs has no memory ranges")
}

func TestDiscoverSysfsMissingRoot(t *testing.T) {
	_, err := DiscoverSysfs(filepath.Join(t.TempDir(), "no-such-dir"))
	require.NotNil(t, err)
}
