// Package bids syncs BIDS dataset participants with the DMS. A dataset is
// one <collection>/<project> directory under the BIDS root carrying a
// dataset_description.json and a participants.tsv; units are the
// participant rows.
//
// Two pipelines share the discovery: bids-participants registers unknown
// subjects (demographics ride along on the create call), and bids-reid
// writes a reidentified copy of each participant's files keyed by the
// internal identifier.
//
// The dataset descriptor is a gate: when it fails the embedded schema,
// every unit of that dataset fails with the schema reason.
package bids
