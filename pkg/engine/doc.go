// Package engine opens a workspace of packages and answers for them.
//
// # Overview
//
// A Workspace ties the package registry, the inheritance resolver and the
// property repositories together. Each package directory below the root
// holds a manifest declaring its ancestors, one property document per
// namespace and the entity files of each namespace:
//
//	<root>/<package>/manifest.json
//	<root>/<package>/<namespace>.json
//	<root>/<package>/<namespace>/<entity key>
//
// Repositories are created per (package, namespace) on first use. Their
// merged properties and entity owners are cached in value cells kept in the
// configured store below the cache directory.
//
// # Usage
//
//	ws, err := engine.Open(ctx, cfg, tel)
//	if err != nil {
//	    return err
//	}
//	defer ws.Close()
//
//	res, err := ws.Resolve(ctx, "theme.1", "resources", "css/site.css")
//
// # Invalidation
//
// Writes through the workspace drop the caches of the written package's
// descendants. Changes made on disk are picked up by a Watcher, which
// debounces file events per package and calls Invalidate.
package engine
