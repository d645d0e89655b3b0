package procs

import (
	"context"
	"errors"
	"fmt"
	net1 "net"
	"sort"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/net"
)

var (
	// ErrNoInterface is returned when the named network interface does not exist.
	ErrNoInterface = errors.New("procs: no such network interface")
	// ErrNoAddress is returned when an interface has no IPv4 address.
	ErrNoAddress = errors.New("procs: interface has no IPv4 address")
)

// Hostname returns the host name reported by the OS.
func Hostname(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", err
	}
	return info.Hostname, nil
}

// IPAddress returns the first IPv4 address of the interface named iface.
func IPAddress(ctx context.Context, iface string) (string, error) {
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return "", err
	}

	for _, ifc := range ifaces {
		if ifc.Name != iface {
			continue
		}
		for _, a := range ifc.Addrs {
			ip, _, err := net1.ParseCIDR(a.Addr)
			if err != nil {
				ip = net1.ParseIP(a.Addr)
			}
			if ip != nil && ip.To4() != nil {
				return ip.String(), nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrNoAddress, iface)
	}
	return "", fmt.Errorf("%w: %s", ErrNoInterface, iface)
}

// ConnInfo holds one established connection with a remote peer.
type ConnInfo struct {
	PID         int32
	ProcessName string
	LocalAddr   string
	RemoteIP    string
	RemotePort  uint32
	Status      string
}

// Connections lists inet connections with a non-loopback remote end. names maps
// PIDs to process names; unknown PIDs are shown as "N/A". Established
// connections sort first, then by process name and PID.
func Connections(ctx context.Context, names map[int32]string) ([]ConnInfo, error) {
	connections, err := net.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}
	return connInfos(connections, names), nil
}

func connInfos(connections []net.ConnectionStat, names map[int32]string) []ConnInfo {
	var connList []ConnInfo
	for _, conn := range connections {
		if conn.Status == "LISTEN" || conn.Status == "NONE" || conn.Pid == 0 || len(conn.Raddr.IP) == 0 || conn.Raddr.IP == "127.0.0.1" || conn.Raddr.IP == "::1" {
			continue
		}

		procName, ok := names[conn.Pid]
		if !ok {
			procName = "N/A"
		}

		connList = append(connList, ConnInfo{
			PID:         conn.Pid,
			ProcessName: procName,
			LocalAddr:   net1.JoinHostPort(conn.Laddr.IP, fmt.Sprint(conn.Laddr.Port)),
			RemoteIP:    conn.Raddr.IP,
			RemotePort:  conn.Raddr.Port,
			Status:      conn.Status,
		})
	}

	sort.Slice(connList, func(i, j int) bool {
		iEst := connList[i].Status == "ESTABLISHED"
		jEst := connList[j].Status == "ESTABLISHED"
		if iEst != jEst {
			return iEst
		}
		if connList[i].ProcessName != connList[j].ProcessName {
			return connList[i].ProcessName < connList[j].ProcessName
		}
		return connList[i].PID < connList[j].PID
	})
	return connList
}
