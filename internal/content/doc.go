// Package content turns uploaded site packages into stored content.
//
// A package archive (zip or tar.gz) carries three descriptors at its root,
// metadata.json, manifest.json and routes.json, plus a content/ tree holding
// every file the manifest lists. The pieces are:
//   - [OpenBundle]: detects the container and extracts it to an in-memory fs.FS
//     under strict size and path limits
//   - [Loader]: validates descriptors, rewrites HTML through a [Rewriter],
//     persists every item, then the package record, then the retention index
//   - [Store]: typed access to the key-value substrate, including the
//     mutex-guarded retention index
//
// Writes happen in the order content, record, index. A crash part way
// through leaves unindexed keys which the lifecycle sweeper collects.
package content
