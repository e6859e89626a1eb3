// Package foyer is a multi-tenant application runtime: a front-door HTTP
// server that routes requests to isolated child-process workers, kept warm
// in a bounded LRU pool.
//
// Each deployed application lives in its own directory under the apps
// root and is identified by the canonical key "name@version". Requests to
// /{app}/... are dispatched to a worker for that app: a cached one when
// the pool holds a healthy instance, a freshly spawned one otherwise.
// Workers talk to the runtime over a newline-delimited JSON protocol on
// stdin/stdout; Go workers can use the sdk subpackage.
//
// # Basic Usage
//
//	srv, err := foyer.NewServer(
//	    foyer.WithAppsDir("/srv/apps"),
//	    foyer.WithPoolSize(16),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Shutdown(context.Background())
//
//	http.ListenAndServe(":8080", srv.Handler())
//
// # Worker lifecycle
//
// An app's manifest.yaml (or the "foyer" block in its package.json)
// controls its workers: the per-request timeout, the idle window, the
// total lifetime (ttl: 0 makes every request run on a fresh single-shot
// process), and the request budget. The pool retires workers that fall
// out of any of these windows and evicts the least recently used one at
// capacity.
package foyer
