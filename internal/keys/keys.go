// Package keys holds key-space helpers shared by the orchestrator and the
// redis backend.
package keys

// Namespaced prefixes key with ns. Namespaces isolate independent caches
// sharing one physical store.
func Namespaced(ns, key string) string {
	if ns == "" {
		return key
	}
	return ns + ":" + key
}

// TagSet names the index set holding the keys labelled with tag.
func TagSet(ns, tag string) string {
	return Namespaced(ns, "tag:"+tag)
}
