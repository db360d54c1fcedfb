// Package server hosts the Fiber HTTP service that accepts forward-proxy
// requests. It owns the middleware chain (request IDs, panic recovery, target
// resolution), the shared upstream http.Client, and the listener lifecycle.
// Requests in absolute form ("GET http://origin/path") are resolved into a
// Target and handed to the injected ProxyHandler; origin-form requests under
// /-/ fall through to the diagnostics routes registered by package routes.
package server
