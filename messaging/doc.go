// Package messaging defines the application messages kagu carries for its
// collaborators and their stable binary body encoding.
//
// A Message is a tagged union: Kind selects which of the other fields are
// meaningful. Bodies are encoded as protobuf wire-format fields, so unknown
// fields added by newer peers are skipped rather than rejected:
//
//	body, err := messaging.Marshal(messaging.NewText(userID, realm, channel, "hi"))
//	msg, err := messaging.Unmarshal(body)
//
// Envelope adds the routing a collaborator needs: the connection and the
// session stream. Length prefixes are not added here; see package framing.
package messaging
