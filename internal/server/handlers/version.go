package handlers

import (
	"net/http"
	"sync"

	"github.com/fulmenhq/gofulmen/crucible"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Crucible  string `json:"crucible,omitempty"`
	Gofulmen  string `json:"gofulmen,omitempty"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records the build metadata served by VersionHandler.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// VersionHandler serves the build metadata.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	info := versionInfo
	versionMu.RUnlock()

	v := crucible.GetVersion()
	info.Crucible = v.Crucible
	info.Gofulmen = v.Gofulmen
	writeJSON(w, http.StatusOK, info)
}
