package config

import (
	"reflect"
	"slices"
)

// Sections that can be applied without a restart.
var liveSections = []string{"logging", "telegram.owner_user_ids"}

// ChangedSections lists the top-level sections that differ between two
// configs. The telegram owner list is reported on its own because it is
// live-reloadable while the rest of the telegram section is not.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var out []string
	oldTG, newTG := oldCfg.Telegram, newCfg.Telegram
	if !reflect.DeepEqual(oldTG.OwnerUserIDs, newTG.OwnerUserIDs) {
		out = append(out, "telegram.owner_user_ids")
	}
	oldTG.OwnerUserIDs, newTG.OwnerUserIDs = nil, nil
	if !reflect.DeepEqual(oldTG, newTG) {
		out = append(out, "telegram")
	}
	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		out = append(out, "status")
	}
	if !reflect.DeepEqual(oldCfg.Recorder, newCfg.Recorder) {
		out = append(out, "recorder")
	}
	if !reflect.DeepEqual(oldCfg.Ack, newCfg.Ack) {
		out = append(out, "ack")
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		out = append(out, "logging")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	return out
}

// RestartRequired returns the changed sections that only take effect after
// a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !slices.Contains(liveSections, s) {
			out = append(out, s)
		}
	}
	return out
}
