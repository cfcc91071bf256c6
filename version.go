package wardscry

// Version is the release version of the daemon.
const Version = "0.2.0"
