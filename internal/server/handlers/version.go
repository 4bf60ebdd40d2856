package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/crucible"
)

// Build metadata, set from main through SetVersionInfo.
var (
	AppVersion   = "dev"
	AppCommit    = "unknown"
	AppBuildDate = "unknown"

	appIdentity *appidentity.Identity
	modeSource  func() string
)

func SetVersionInfo(version, commit, buildDate string) {
	AppVersion, AppCommit, AppBuildDate = version, commit, buildDate
}

func SetAppIdentity(identity *appidentity.Identity) {
	appIdentity = identity
}

// SetModeSource reports the running simulator mode in /version. The mode
// can change at runtime through PATCH /++/config.
func SetModeSource(source func() string) {
	modeSource = source
}

// VersionResponse is the /version body.
type VersionResponse struct {
	App          AppInfo     `json:"app"`
	Simulator    SimInfo     `json:"simulator"`
	Dependencies DepInfo     `json:"dependencies"`
	Runtime      RuntimeInfo `json:"runtime"`
}

type SimInfo struct {
	Mode string `json:"mode,omitempty"`
}

type AppInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
	Commit      string `json:"git_commit"`
	BuildDate   string `json:"build_date"`
	GoVersion   string `json:"go_version,omitempty"`
}

type DepInfo struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// VersionHandler serves build, dependency and runtime details.
func VersionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, currentVersion())
}

func currentVersion() VersionResponse {
	name, description := identityName()
	deps := crucible.GetVersion()

	resp := VersionResponse{
		App: AppInfo{
			Name:        name,
			Description: description,
			Version:     AppVersion,
			Commit:      AppCommit,
			BuildDate:   AppBuildDate,
			GoVersion:   runtime.Version(),
		},
		Dependencies: DepInfo{Gofulmen: deps.Gofulmen, Crucible: deps.Crucible},
		Runtime: RuntimeInfo{
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			NumGoroutines: runtime.NumGoroutine(),
		},
	}
	if modeSource != nil {
		resp.Simulator.Mode = modeSource()
	}
	return resp
}

// identityName falls back to the executable name before SetAppIdentity.
func identityName() (name, description string) {
	if appIdentity != nil {
		return appIdentity.BinaryName, appIdentity.Description
	}
	if len(os.Args) > 0 && os.Args[0] != "" {
		return filepath.Base(os.Args[0]), ""
	}
	return "unknown", ""
}
