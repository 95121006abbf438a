package publisher

import (
	"strconv"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"livebus/internal/tracker"
)

const gtfsRealtimeVersion = "2.0"

// EncodeCommit renders the table state of c as a full-dataset GTFS-RT
// FeedMessage. Positions are the latest reported targets, not the
// interpolated ones.
func EncodeCommit(c tracker.Commit) ([]byte, error) {
	return proto.Marshal(FeedMessage(c))
}

func FeedMessage(c tracker.Commit) *gtfs.FeedMessage {
	ts := uint64(c.At.Unix())
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(ts),
		},
		Entity: make([]*gtfs.FeedEntity, 0, len(c.Entities)),
	}
	for _, tr := range c.Entities {
		id := strconv.FormatInt(int64(tr.ID), 10)
		msg.Entity = append(msg.Entity, &gtfs.FeedEntity{
			Id: proto.String(id),
			Vehicle: &gtfs.VehiclePosition{
				Trip:    &gtfs.TripDescriptor{RouteId: proto.String(strconv.FormatInt(int64(tr.Route), 10))},
				Vehicle: &gtfs.VehicleDescriptor{Id: proto.String(id)},
				Position: &gtfs.Position{
					Latitude:  proto.Float32(float32(tr.TargetLat)),
					Longitude: proto.Float32(float32(tr.TargetLng)),
				},
				Timestamp: proto.Uint64(uint64(tr.StartTime.Unix())),
			},
		})
	}
	return msg
}
