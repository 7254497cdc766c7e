package mitre

// builtinTechniques returns the ATT&CK excerpts most relevant to host
// telemetry: resource abuse, exfiltration, command and control, and
// credential theft.
func builtinTechniques() []*Technique {
	return []*Technique{
		{
			ID:          "T1496",
			Name:        "Resource Hijacking",
			Tactics:     []string{"impact"},
			Description: "Adversaries may leverage the resources of co-opted systems to complete resource-intensive tasks such as cryptocurrency mining, which produces sustained high CPU or GPU usage and suspicious outbound network activity to mining pools.",
			Detection:   "Watch for processes with abnormally high resource usage, unknown binaries consuming CPU, and connections to known mining pool ports such as 3333, 4444 or 14444.",
			Mitigations: []string{"Terminate the mining process and remove its persistence", "Block mining pool destinations at the egress firewall"},
			Keywords:    []string{"cryptominer", "xmrig", "miner", "cpu", "gpu"},
		},
		{
			ID:          "T1041",
			Name:        "Exfiltration Over C2 Channel",
			Tactics:     []string{"exfiltration"},
			Description: "Adversaries may steal data by exfiltrating it over an existing command and control channel, often visible as high upload volume over a persistent network connection.",
			Detection:   "Analyze network data for uncommon flows where the client sends significantly more data than it receives, and for suspicious processes with sustained upload activity.",
			Mitigations: []string{"Isolate the host from the network", "Use network intrusion prevention to block known C2 traffic"},
			Keywords:    []string{"upload", "exfiltrate", "bandwidth", "outbound"},
		},
		{
			ID:          "T1048",
			Name:        "Exfiltration Over Alternative Protocol",
			Tactics:     []string{"exfiltration"},
			Description: "Adversaries may exfiltrate data over a protocol other than the existing command and control channel, such as FTP, SMTP or DNS.",
			Detection:   "Monitor network traffic for protocols that do not normally leave the host and for processes opening unexpected outbound connections.",
			Mitigations: []string{"Filter egress traffic by protocol", "Restrict which processes may open network connections"},
			Keywords:    []string{"ftp", "dns", "smtp", "tunnel"},
		},
		{
			ID:          "T1071",
			Name:        "Application Layer Protocol",
			Tactics:     []string{"command-and-control"},
			Description: "Adversaries may communicate using application layer protocols such as HTTP, HTTPS or DNS to blend command and control traffic in with normal network activity.",
			Detection:   "Look for beaconing: periodic connections from one process to the same remote address, and processes that do not normally use the network.",
			Mitigations: []string{"Inspect and filter application layer traffic", "Block known malicious remote addresses"},
			Keywords:    []string{"beacon", "c2", "http", "https"},
		},
		{
			ID:          "T1571",
			Name:        "Non-Standard Port",
			Tactics:     []string{"command-and-control"},
			Description: "Adversaries may communicate using a protocol and port pairing that are typically not associated, such as HTTP over port 8088 or a raw TCP session on a high port.",
			Detection:   "Analyze connections on uncommon remote ports and processes that make suspicious network connections they normally would not.",
			Mitigations: []string{"Restrict egress to required ports", "Alert on unknown listening or connecting ports"},
			Keywords:    []string{"port", "tcp", "uncommon"},
		},
		{
			ID:          "T1090",
			Name:        "Proxy",
			Tactics:     []string{"command-and-control"},
			Description: "Adversaries may use a connection proxy such as Tor or an open relay to direct network traffic between systems and avoid direct connections to their infrastructure.",
			Detection:   "Identify connections to known proxy or anonymization networks and processes relaying traffic between hosts.",
			Mitigations: []string{"Block anonymization networks", "Monitor for proxy software installs"},
			Keywords:    []string{"tor", "relay", "socks", "anonymization"},
		},
		{
			ID:          "T1105",
			Name:        "Ingress Tool Transfer",
			Tactics:     []string{"command-and-control"},
			Description: "Adversaries may transfer tools or other files from an external system into a compromised environment, visible as a burst of download traffic followed by a new process.",
			Detection:   "Monitor for file downloads by utilities such as curl, wget or certutil followed by execution of the downloaded file.",
			Mitigations: []string{"Block downloads from untrusted sources", "Use application allow-listing"},
			Keywords:    []string{"download", "curl", "wget", "certutil"},
		},
		{
			ID:          "T1059",
			Name:        "Command and Scripting Interpreter",
			Tactics:     []string{"execution"},
			Description: "Adversaries may abuse command and script interpreters such as PowerShell, bash or Python to execute commands, scripts or binaries.",
			Detection:   "Monitor shells and interpreters spawned by unusual parents, encoded command lines and interpreters with network connections.",
			Mitigations: []string{"Restrict script execution policy", "Remove unneeded interpreters"},
			Keywords:    []string{"powershell", "bash", "python", "cmd", "shell", "script"},
		},
		{
			ID:          "T1003",
			Name:        "OS Credential Dumping",
			Tactics:     []string{"credential-access"},
			Description: "Adversaries may attempt to dump credentials from the operating system, for example by reading LSASS memory with tools such as Mimikatz or procdump.",
			Detection:   "Monitor for processes accessing LSASS, known dumping tools by name, and suspicious processes running as SYSTEM or root.",
			Mitigations: []string{"Enable credential guard", "Rotate credentials exposed on the host"},
			Keywords:    []string{"mimikatz", "lsass", "procdump", "credential", "password"},
		},
		{
			ID:          "T1110",
			Name:        "Brute Force",
			Tactics:     []string{"credential-access"},
			Description: "Adversaries may use brute force techniques to gain access to accounts when passwords are unknown, generating many authentication attempts over the network.",
			Detection:   "Monitor authentication logs for repeated failures and hosts opening many connections to SSH, RDP or SMB services.",
			Mitigations: []string{"Enforce account lockout", "Require multi-factor authentication"},
			Keywords:    []string{"ssh", "rdp", "smb", "login", "authentication"},
		},
		{
			ID:          "T1046",
			Name:        "Network Service Discovery",
			Tactics:     []string{"discovery"},
			Description: "Adversaries may scan for services running on remote hosts, producing many short-lived network connections to sequential addresses or ports.",
			Detection:   "Look for a single process opening connections to many remote addresses or ports in a short time, and for scanners such as nmap or masscan.",
			Mitigations: []string{"Segment the network", "Remove scanning tools from production hosts"},
			Keywords:    []string{"scan", "nmap", "masscan", "sweep"},
		},
		{
			ID:          "T1486",
			Name:        "Data Encrypted for Impact",
			Tactics:     []string{"impact"},
			Description: "Adversaries may encrypt data on target systems to interrupt availability, typically with high disk and CPU usage from a single process rewriting many files.",
			Detection:   "Monitor for processes with high resource usage modifying large numbers of files and for ransom notes appearing on disk.",
			Mitigations: []string{"Isolate the host immediately", "Restore from offline backups"},
			Keywords:    []string{"ransomware", "encrypt", "disk"},
		},
	}
}
