// Package loadertest builds package archives for tests.
package loadertest

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"

	"github.com/ralt/resolvd/internal/archive"
)

// HomeModule is a resolver whose home listing reports the given version
func HomeModule(version string) string {
	return fmt.Sprintf(`local M = {}
function M.home(filter)
  return { class = { { type_id = "1", type_name = "Movies" } }, version = %q }
end
return M
`, version)
}

// Package builds a zip package with a manifest and the given modules.
// A nil modules map yields a single Spider module.
func Package(name, version string, modules map[string]string) []byte {
	return build(name, version, modules, nil)
}

// PackageWithPayload adds an incompressible asset of size bytes so the
// archive weighs roughly that much
func PackageWithPayload(name, version string, size int) []byte {
	blob := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(blob)
	return build(name, version, nil, map[string][]byte{"assets/blob.bin": blob})
}

func build(name, version string, modules map[string]string, extra map[string][]byte) []byte {
	if modules == nil {
		modules = map[string]string{"Spider": HomeModule(version)}
	}

	files := make(map[string][]byte, len(modules)+len(extra)+1)
	for n, data := range extra {
		files[n] = data
	}
	resolvers := make([]string, 0, len(modules))
	for class, src := range modules {
		files[class+".lua"] = []byte(src)
		resolvers = append(resolvers, class)
	}
	sort.Strings(resolvers)

	manifest, err := json.Marshal(map[string]interface{}{
		"name":      name,
		"version":   version,
		"resolvers": resolvers,
	})
	if err != nil {
		panic(err)
	}
	files["manifest.json"] = manifest

	data, err := archive.Build(archive.FormatZip, files)
	if err != nil {
		panic(err)
	}
	return data
}
