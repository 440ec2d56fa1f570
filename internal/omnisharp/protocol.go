package omnisharp

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
)

// Packet types carried in the Type discriminant.
const (
	PacketRequest  = "request"
	PacketResponse = "response"
	PacketEvent    = "event"
)

// Event names pushed by the server process.
const (
	EventNameLog                       = "log"
	EventNameStarted                   = "started"
	EventNameError                     = "Error"
	EventNameUnresolvedDependencies    = "UnresolvedDependencies"
	EventNamePackageRestoreStarted     = "PackageRestoreStarted"
	EventNamePackageRestoreFinished    = "PackageRestoreFinished"
	EventNameProjectChanged            = "ProjectChanged"
	EventNameProjectAdded              = "ProjectAdded"
	EventNameProjectRemoved            = "ProjectRemoved"
	EventNameMsBuildProjectDiagnostics = "MsBuildProjectDiagnostics"
	EventNameProjectConfiguration      = "ProjectConfiguration"
)

// Commands the core issues or classifies itself.
const (
	CommandProjects             = "/projects"
	CommandUpdateBuffer         = "/updatebuffer"
	CommandChangeBuffer         = "/changebuffer"
	CommandFilesChanged         = "/filesChanged"
	CommandFormatAfterKeystroke = "/formatAfterKeystroke"
	CommandFormatRange          = "/formatRange"
	CommandCodeCheck            = "/codecheck"
	CommandTypeLookup           = "/typelookup"
	CommandGetCodeActions       = "/v2/getcodeactions"
	CommandCodeStructure        = "/v2/codestructure"
)

// RequestPacket is written to the process's stdin, one per line.
type RequestPacket struct {
	Type      string `json:"Type"`
	Seq       int64  `json:"Seq"`
	Command   string `json:"Command"`
	Arguments any    `json:"Arguments"`
}

// ResponsePacket answers a RequestPacket with the same Command and Request_seq.
type ResponsePacket struct {
	Command    string          `json:"Command"`
	RequestSeq int64           `json:"Request_seq"`
	Success    bool            `json:"Success"`
	Message    string          `json:"Message,omitempty"`
	Body       json.RawMessage `json:"Body,omitempty"`
}

// EventPacket is pushed by the process without a correlating request.
type EventPacket struct {
	Event string          `json:"Event"`
	Body  json.RawMessage `json:"Body,omitempty"`
}

// LogEntry is the body of the "log" event.
type LogEntry struct {
	LogLevel string `json:"LogLevel"`
	Name     string `json:"Name"`
	Message  string `json:"Message"`
}

// Packet is one decoded line. Exactly one of Response and Event is set for the
// known packet types; both are nil for an unrecognized Type.
type Packet struct {
	Type     string
	Response *ResponsePacket
	Event    *EventPacket
}

var errUntypedPacket = errors.New("packet has no Type")

// decodePacket reads the Type discriminant first and only then decodes the
// matching variant.
func decodePacket(line []byte) (Packet, error) {
	var head struct {
		Type string `json:"Type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return Packet{}, err
	}
	if head.Type == "" {
		return Packet{}, errUntypedPacket
	}

	p := Packet{Type: head.Type}
	switch head.Type {
	case PacketResponse:
		var resp ResponsePacket
		if err := json.Unmarshal(line, &resp); err != nil {
			return Packet{}, err
		}
		p.Response = &resp
	case PacketEvent:
		var ev EventPacket
		if err := json.Unmarshal(line, &ev); err != nil {
			return Packet{}, err
		}
		p.Event = &ev
	}
	return p, nil
}

// ErrorMessage is the body of the process's "Error" event.
type ErrorMessage struct {
	Text     string `json:"Text"`
	FileName string `json:"FileName"`
	Line     int    `json:"Line"`
	Column   int    `json:"Column"`
}

// UnresolvedDependenciesMessage reports packages a project could not resolve.
type UnresolvedDependenciesMessage struct {
	FileName               string              `json:"FileName"`
	UnresolvedDependencies []DependencyMessage `json:"UnresolvedDependencies"`
}

// DependencyMessage names one package reference.
type DependencyMessage struct {
	Name    string `json:"Name"`
	Version string `json:"Version"`
}

// PackageRestoreMessage is the body of the package restore events.
type PackageRestoreMessage struct {
	FileName  string `json:"FileName"`
	Succeeded bool   `json:"Succeeded"`
}

// ProjectInformationResponse is the body of the project added/changed/removed events.
type ProjectInformationResponse struct {
	MsBuildProject *MSBuildProject `json:"MsBuildProject,omitempty"`
	DotNetProject  *DotNetProject  `json:"DotNetProject,omitempty"`
}

// MSBuildProjectDiagnostics carries msbuild warnings and errors for one project file.
type MSBuildProjectDiagnostics struct {
	FileName string                      `json:"FileName"`
	Warnings []MSBuildDiagnosticsMessage `json:"Warnings"`
	Errors   []MSBuildDiagnosticsMessage `json:"Errors"`
}

// MSBuildDiagnosticsMessage is one msbuild diagnostic.
type MSBuildDiagnosticsMessage struct {
	LogLevel    string `json:"LogLevel"`
	FileName    string `json:"FileName"`
	Text        string `json:"Text"`
	StartLine   int    `json:"StartLine"`
	StartColumn int    `json:"StartColumn"`
	EndLine     int    `json:"EndLine"`
	EndColumn   int    `json:"EndColumn"`
}

// ProjectConfigurationMessage describes a loaded project's shape.
type ProjectConfigurationMessage struct {
	ProjectID           string   `json:"ProjectId"`
	SessionID           string   `json:"SessionId"`
	OutputKind          int      `json:"OutputKind"`
	ProjectCapabilities []string `json:"ProjectCapabilities"`
	TargetFrameworks    []string `json:"TargetFrameworks"`
	References          []string `json:"References"`
	FileExtensions      []string `json:"FileExtensions"`
}

// WorkspaceInformationResponse is the body of the /projects response.
type WorkspaceInformationResponse struct {
	MsBuild  *MSBuildWorkspaceInformation `json:"MsBuild,omitempty"`
	DotNet   *DotNetWorkspaceInformation  `json:"DotNet,omitempty"`
	Cake     json.RawMessage              `json:"Cake,omitempty"`
	ScriptCs json.RawMessage              `json:"ScriptCs,omitempty"`
}

// MSBuildWorkspaceInformation lists msbuild projects of a solution.
type MSBuildWorkspaceInformation struct {
	SolutionPath string           `json:"SolutionPath"`
	Projects     []MSBuildProject `json:"Projects"`
}

// MSBuildProject is one msbuild project.
type MSBuildProject struct {
	ProjectGUID      string            `json:"ProjectGuid"`
	Path             string            `json:"Path"`
	AssemblyName     string            `json:"AssemblyName"`
	TargetPath       string            `json:"TargetPath"`
	TargetFramework  string            `json:"TargetFramework"`
	SourceFiles      []string          `json:"SourceFiles"`
	TargetFrameworks []TargetFramework `json:"TargetFrameworks"`
	OutputPath       string            `json:"OutputPath"`
	IsExe            bool              `json:"IsExe"`
	IsUnityProject   bool              `json:"IsUnityProject"`
}

// TargetFramework names a framework a project builds for.
type TargetFramework struct {
	Name         string `json:"Name"`
	FriendlyName string `json:"FriendlyName"`
	ShortName    string `json:"ShortName"`
}

// DotNetWorkspaceInformation lists project.json projects.
type DotNetWorkspaceInformation struct {
	Projects []DotNetProject `json:"Projects"`
}

// DotNetProject is one project.json project.
type DotNetProject struct {
	Path        string   `json:"Path"`
	Name        string   `json:"Name"`
	SourceFiles []string `json:"SourceFiles"`
}

// ProjectDescriptor locates a restorable project on disk.
type ProjectDescriptor struct {
	Name      string
	Directory string
	FilePath  string
}

// DotNetCoreProjectDescriptors returns the projects of info that "dotnet restore" applies to.
func DotNetCoreProjectDescriptors(info *WorkspaceInformationResponse) []ProjectDescriptor {
	if info == nil {
		return nil
	}

	var out []ProjectDescriptor
	if info.DotNet != nil {
		for _, p := range info.DotNet.Projects {
			out = append(out, ProjectDescriptor{
				Name:      p.Name,
				Directory: p.Path,
				FilePath:  filepath.Join(p.Path, "project.json"),
			})
		}
	}
	if info.MsBuild != nil {
		for _, p := range info.MsBuild.Projects {
			if !isDotNetCoreProject(p) {
				continue
			}
			out = append(out, ProjectDescriptor{
				Name:      filepath.Base(p.Path),
				Directory: filepath.Dir(p.Path),
				FilePath:  p.Path,
			})
		}
	}
	return out
}

func isDotNetCoreProject(p MSBuildProject) bool {
	for _, tf := range p.TargetFrameworks {
		if strings.HasPrefix(tf.ShortName, "netcoreapp") || strings.HasPrefix(tf.ShortName, "netstandard") {
			return true
		}
	}
	return false
}
