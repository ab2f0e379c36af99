// Package netmock contains gomock mocks of the net package interfaces.
package netmock

//go:generate go tool mockgen -destination=packet_conn.go -package=netmock -mock_names=PacketConn=MockPacketConn net PacketConn
