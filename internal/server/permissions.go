package server

import (
	"encoding/json"
	"fmt"

	"github.com/toolbroker/orchestrator/internal/pathutil"
	"github.com/toolbroker/orchestrator/internal/sandbox"
)

// rawPermissions mirrors the wire shape of the optional permissions field:
// readPaths is always a list of roots; writePaths and networkHosts may
// either be a list of roots or a bare bool (true grants unrestricted
// access of that kind, false/omitted grants none).
type rawPermissions struct {
	ReadPaths    []string        `json:"readPaths"`
	WritePaths   json.RawMessage `json:"writePaths"`
	NetworkHosts json.RawMessage `json:"networkHosts"`
}

// parsePermissions decodes the optional permissions field into
// sandbox.Permissions, canonicalizing every declared path and rejecting the
// request if a path cannot be resolved or a writePath is not contained
// within any declared readPath (write access implies read access to the
// same root).
func parsePermissions(raw json.RawMessage) (sandbox.Permissions, error) {
	if len(raw) == 0 {
		return sandbox.Permissions{}, nil
	}

	var rp rawPermissions
	if err := json.Unmarshal(raw, &rp); err != nil {
		return sandbox.Permissions{}, fmt.Errorf("malformed permissions: %w", err)
	}

	readPaths, err := canonicalizeDeclared(rp.ReadPaths)
	if err != nil {
		return sandbox.Permissions{}, fmt.Errorf("permissions.readPaths: %w", err)
	}

	writePaths, allowWriteAll, err := parsePathsOrBool(rp.WritePaths)
	if err != nil {
		return sandbox.Permissions{}, fmt.Errorf("permissions.writePaths: %w", err)
	}
	if !allowWriteAll {
		for _, w := range writePaths {
			if !pathutil.ContainedInAny(readPaths, w) {
				return sandbox.Permissions{}, fmt.Errorf("permissions.writePaths: %q is not contained in any declared readPaths", w)
			}
		}
	}

	networkHosts, allowNetworkAll, err := parseStringsOrBool(rp.NetworkHosts)
	if err != nil {
		return sandbox.Permissions{}, fmt.Errorf("permissions.networkHosts: %w", err)
	}

	return sandbox.Permissions{
		ReadPaths:       readPaths,
		WritePaths:      writePaths,
		AllowWriteAll:   allowWriteAll,
		NetworkHosts:    networkHosts,
		AllowNetworkAll: allowNetworkAll,
	}, nil
}

// parsePathsOrBool decodes a writePaths-shaped field (string[] | bool) and
// canonicalizes any declared paths.
func parsePathsOrBool(raw json.RawMessage) (paths []string, allowAll bool, err error) {
	declared, allowAll, err := decodeStringsOrBool(raw)
	if err != nil {
		return nil, false, err
	}
	if allowAll {
		return nil, true, nil
	}
	canon, err := canonicalizeDeclared(declared)
	return canon, false, err
}

// parseStringsOrBool decodes a networkHosts-shaped field (string[] | bool)
// without path canonicalization, since hosts are not filesystem paths.
func parseStringsOrBool(raw json.RawMessage) (hosts []string, allowAll bool, err error) {
	return decodeStringsOrBool(raw)
}

func decodeStringsOrBool(raw json.RawMessage) ([]string, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return nil, b, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false, fmt.Errorf("expected a bool or a string array: %w", err)
	}
	return list, false, nil
}

func canonicalizeDeclared(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		canon, err := pathutil.Canonicalize(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, canon)
	}
	return out, nil
}
