package promagent

// Version is the agent release version.
const Version = "0.1.0"
