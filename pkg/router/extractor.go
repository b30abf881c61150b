package router

import (
	"strings"

	"github.com/tunnelfabric/gateway/pkg/gatewayerr"
)

// parsePath validates an incoming request path against the
// "/<pkg.Service>/<Method>" shape required by spec.md §4.8 step 1 and
// §6, returning the full method path (unmodified) alongside the
// extracted service name. Service-name extraction trims the leading
// "/" and takes the first "/"-delimited segment, preserving any "."
// it contains (spec.md §6 "Path parsing").
func parsePath(path string) (methodPath, service string, err error) {
	if !strings.HasPrefix(path, "/") {
		return "", "", gatewayerr.ErrInvalidPath
	}
	trimmed := strings.TrimPrefix(path, "/")
	segments := strings.SplitN(trimmed, "/", 2)
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return "", "", gatewayerr.ErrInvalidPath
	}
	return path, segments[0], nil
}
