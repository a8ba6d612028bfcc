package schema

import "time"

// Project groups the instances and volumes of a user.
// InstanceIDs and VolumeIDs are the legacy many-to-many lists; after the
// projects_to_project migration the relation lives on Instance.ProjectID and Volume.ProjectID.
type Project struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	CreatedBy   string    `json:"created_by" yaml:"created_by"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	InstanceIDs []string  `json:"instance_ids,omitempty" yaml:"instances"`
	VolumeIDs   []string  `json:"volume_ids,omitempty" yaml:"volumes"`
}

// Instance is a launched machine.
type Instance struct {
	ID        string `json:"id" yaml:"id"`
	MachineID string `json:"machine,omitempty" yaml:"machine"`
	ProjectID string `json:"project,omitempty" yaml:"project"`
	CreatedBy string `json:"created_by" yaml:"created_by"`
}

// Volume is a block storage volume.
type Volume struct {
	ID        string `json:"id" yaml:"id"`
	Size      int    `json:"size" yaml:"size"`
	ProjectID string `json:"project,omitempty" yaml:"project"`
	CreatedBy string `json:"created_by" yaml:"created_by"`
}

// ProjectView is a project together with the instances and volumes pointing at it.
type ProjectView struct {
	Project
	Instances []string `json:"instances"`
	Volumes   []string `json:"volumes"`
}
