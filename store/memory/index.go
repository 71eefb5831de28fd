// Package memory provides an in-memory store implementation.
package memory

import "github.com/hashicorp/go-memdb"

const (
	tblTracks     = "tracks"
	tblTransports = "transports"
)

const (
	idxTrackID     = "id"
	idxTrackPeerID = "peer_id"
	idxTransportID = "id"
	idxSlot        = "slot"
)

// schema is the schema of the memory store.
var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblTracks: {
			Name: tblTracks,
			Indexes: map[string]*memdb.IndexSchema{
				idxTrackID: {
					Name:    idxTrackID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				idxTrackPeerID: {
					Name:    idxTrackPeerID,
					Indexer: &memdb.StringFieldIndex{Field: "PeerID"},
				},
			},
		},
		tblTransports: {
			Name: tblTransports,
			Indexes: map[string]*memdb.IndexSchema{
				idxTransportID: {
					Name:    idxTransportID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				idxSlot: {
					Name:   idxSlot,
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Direction"},
							&memdb.StringFieldIndex{Field: "Kind"},
							&memdb.StringFieldIndex{Field: "PeerID"},
						},
					},
				},
			},
		},
	},
}
