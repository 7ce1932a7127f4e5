package analysis

import "strconv"

var dnsPorts = map[int]string{
	53:   "DNS",
	443:  "DoH",
	853:  "DoT",
	5053: "DNS-Alt",
	5353: "mDNS",
	5355: "LLMNR",
}

// GetServiceName returns the common name for a DNS port, or the port number
// as a string.
func GetServiceName(port int) string {
	if name, ok := dnsPorts[port]; ok {
		return name
	}
	return strconv.Itoa(port)
}
