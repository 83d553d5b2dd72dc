package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tutuCH/opcua-backend-sub000/machines"
)

// machinesFile is the on-disk shape of the machine directory seed. The real
// directory lives in the surrounding CRUD layer; this file stands in for it
// in standalone deployments.
type machinesFile struct {
	Machines []struct {
		ID       string `yaml:"id"`
		DeviceID string `yaml:"device_id"`
		Name     string `yaml:"name"`
	} `yaml:"machines"`
}

func loadMachines(path string) (*machines.InMemoryDirectory, error) {
	if path == "" {
		return machines.NewInMemoryDirectory(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read machines file %s: %w", path, err)
	}

	var file machinesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse machines file %s: %w", path, err)
	}

	directory := machines.NewInMemoryDirectory()
	for _, m := range file.Machines {
		if m.ID == "" || m.DeviceID == "" {
			return nil, fmt.Errorf("machines file %s: every entry needs id and device_id", path)
		}
		directory.Add(machines.Machine{ID: m.ID, DeviceID: m.DeviceID, Name: m.Name})
	}
	return directory, nil
}
