package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ferngale/syncroom/internal/client"
	"github.com/ferngale/syncroom/internal/discovery"
	"github.com/ferngale/syncroom/internal/library"
	"github.com/ferngale/syncroom/internal/master"
	"github.com/ferngale/syncroom/internal/media"
	"github.com/ferngale/syncroom/internal/player"
)

func main() {
	var (
		mode   = flag.String("mode", "host", "host or join")
		root   = flag.String("root", "./media", "media root directory (host)")
		dbPath = flag.String("db", "./syncroom.db", "library index path (host)")
		movie  = flag.String("movie", "", "movie id to host; empty lists the library (host)")
		pin    = flag.String("pin", "", "pairing code of the session to join (join)")
		device = flag.String("device", hostname(), "device name advertised to peers")
	)
	flag.Parse()

	switch *mode {
	case "host":
		runHost(*root, *dbPath, *movie, *device)
	case "join":
		runJoin(*pin, *device)
	default:
		log.Fatalf("unknown mode %q: want host or join", *mode)
	}
}

func runHost(root, dbPath, movieID, device string) {
	store, err := library.Open(dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	lib, err := library.NewLibrary(root, store)
	if err != nil {
		log.Fatal(err)
	}
	if err := lib.Scan(); err != nil {
		log.Fatal(err)
	}

	if movieID == "" {
		for _, m := range lib.All() {
			fmt.Printf("%s  %s\n", m.ID, m.Title)
		}
		if len(lib.All()) == 0 {
			fmt.Printf("no videos under %s\n", root)
		}
		return
	}

	mov, ok := lib.Get(movieID)
	if !ok {
		log.Fatalf("unknown movie id %q; run without -movie to list", movieID)
	}

	sim := player.NewSim(0, 0)
	if err := sim.Prepare("file://"+mov.Path, 0); err != nil {
		log.Fatal(err)
	}

	m := master.New(master.Config{
		DeviceName: device,
		Player:     sim,
		Advertise:  true,
	})
	info, err := m.StartSession(mov.Path, mov.ID)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("hosting %q  pin=%s  cmdPort=%d dataPort=%d\n", mov.Title, info.PinCode, info.CommandPort, info.DataPort)

	go func() {
		for ev := range m.Events() {
			switch ev.Kind {
			case master.ClientJoined:
				log.Printf("level=info msg=\"peer joined\" client=%s", ev.ClientID)
			case master.ClientLeft:
				log.Printf("level=info msg=\"peer left\" client=%s", ev.ClientID)
			}
		}
	}()

	// Start playback once the room is ready, then hold the session open.
	go func() {
		if m.WaitForClientsReady(context.Background(), 5*time.Minute) {
			log.Printf("level=info msg=\"all clients ready, starting playback\"")
			m.BroadcastStart(0)
		} else {
			log.Printf("level=warn msg=\"no ready clients, session stays open\"")
		}
	}()

	waitForSignal()
	log.Println("shutting down...")
	m.StopSession()
}

func runJoin(pin, device string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	services, err := discovery.Browse(ctx, pin)
	cancel()
	if err != nil {
		log.Fatal(err)
	}
	if len(services) == 0 {
		log.Fatalf("no session found on the local network (pin=%q)", pin)
	}
	svc := services[0]
	fmt.Printf("joining %s at %s\n", svc.DeviceName, svc.IPAddress)

	c := client.New(client.Config{
		DeviceName: device,
		Player:     player.NewSim(0, 0),
	})

	joinCtx, joinCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer joinCancel()
	if err := c.Join(joinCtx, media.URL(svc.DataURL(), svc.MovieID), svc.CommandURL()); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("joined as %s (clock offset %dms)\n", c.ID(), c.ClockOffset())

	waitForSignal()
	log.Println("leaving session...")
	c.Leave()
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "syncroom"
	}
	return h
}
