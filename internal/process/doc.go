// Package process spawns worker processes with a control socket.
//
// Each worker is started in its own process group with one end of a Unix
// stream socketpair inherited as file descriptor 3. The host keeps the other
// end as a net.Conn. Restart policy is not handled here; the caller watches
// Done and decides what to do with the Exit.
//
// Example usage:
//
//	p, err := process.Spawn(process.Config{
//	    Name:            "Lights",
//	    Binary:          "/usr/local/bin/bridgehost",
//	    Args:            []string{"worker", "--debug"},
//	    GracefulTimeout: 5 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	conn := ipc.NewConn(p.Control())
//	<-p.Done()
//	log.Println(p.Exit())
package process
