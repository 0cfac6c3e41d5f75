package model

import (
	"encoding/json"
	"fmt"
)

// Payload is implemented by every kind-specific job payload
type Payload interface {
	Kind() Kind
}

// AnalysisPayload contains the data for a structural analysis job
type AnalysisPayload struct {
	AnalysisID     string            `json:"analysisId"`
	ConfigID       string            `json:"configId,omitempty"`
	Modifier       string            `json:"modifier"`
	Timestep       int               `json:"timestep"`
	InputPath      string            `json:"inputPath"`
	OutputDir      string            `json:"outputDir"`
	Params         map[string]string `json:"params,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}

func (AnalysisPayload) Kind() Kind { return KindAnalysis }

// RasterizationPayload contains the data for a rasterization job
type RasterizationPayload struct {
	AnalysisID     string `json:"analysisId,omitempty"`
	Timestep       int    `json:"timestep"`
	InputPath      string `json:"inputPath"`
	OutputDir      string `json:"outputDir"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

func (RasterizationPayload) Kind() Kind { return KindRasterization }

// TrajectoryProcessingPayload contains the data for parsing an uploaded trajectory
type TrajectoryProcessingPayload struct {
	InputPath      string `json:"inputPath"`
	OutputDir      string `json:"outputDir"`
	Timesteps      []int  `json:"timesteps,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

func (TrajectoryProcessingPayload) Kind() Kind { return KindTrajectoryProcessing }

// SSHImportPayload describes a remote file to pull over SSH
type SSHImportPayload struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	// HostKey is an authorized_keys formatted public key. Empty disables verification.
	HostKey    string `json:"hostKey,omitempty"`
	RemotePath string `json:"remotePath"`
	LocalPath  string `json:"localPath"`
}

func (SSHImportPayload) Kind() Kind { return KindSSHImport }

// CloudUploadPayload describes a local artifact to push to object storage
type CloudUploadPayload struct {
	LocalPath   string `json:"localPath"`
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
}

func (CloudUploadPayload) Kind() Kind { return KindCloudUpload }

// DecodePayload unmarshals raw into the typed payload for kind
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindAnalysis:
		p = &AnalysisPayload{}
	case KindRasterization:
		p = &RasterizationPayload{}
	case KindTrajectoryProcessing:
		p = &TrajectoryProcessingPayload{}
	case KindSSHImport:
		p = &SSHImportPayload{}
	case KindCloudUpload:
		p = &CloudUploadPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty %s payload", kind)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
	}
	if err := validatePayload(p); err != nil {
		return nil, err
	}
	return p, nil
}

func validatePayload(p Payload) error {
	switch v := p.(type) {
	case *AnalysisPayload:
		if v.InputPath == "" || v.Modifier == "" {
			return fmt.Errorf("analysis payload requires inputPath and modifier")
		}
	case *RasterizationPayload:
		if v.InputPath == "" {
			return fmt.Errorf("rasterization payload requires inputPath")
		}
	case *TrajectoryProcessingPayload:
		if v.InputPath == "" {
			return fmt.Errorf("trajectory-processing payload requires inputPath")
		}
	case *SSHImportPayload:
		if v.Host == "" || v.Username == "" || v.RemotePath == "" || v.LocalPath == "" {
			return fmt.Errorf("ssh-import payload requires host, username, remotePath and localPath")
		}
		if v.Password == "" && v.PrivateKey == "" {
			return fmt.Errorf("ssh-import payload requires a password or privateKey")
		}
	case *CloudUploadPayload:
		if v.LocalPath == "" || v.Key == "" {
			return fmt.Errorf("cloud-upload payload requires localPath and key")
		}
	}
	return nil
}
