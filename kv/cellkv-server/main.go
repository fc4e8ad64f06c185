package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cellkv/cellkv/kv/config"
	"github.com/cellkv/cellkv/kv/region"
	"github.com/cellkv/cellkv/kv/server"
	"github.com/cellkv/cellkv/kv/storage/standalone_storage"
	"github.com/ngaut/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configPath = flag.String("config", "", "config file path")
	storeAddr  = flag.String("addr", "", "store address, also the host name of the default region")
	statusAddr = flag.String("status-addr", "", "status address")
	dbPath     = flag.String("path", "", "directory path of db")
)

var (
	gitHash = "None"
)

func main() {
	flag.Parse()
	conf := loadConfig()
	if *storeAddr != "" {
		conf.StoreAddr = *storeAddr
	}
	if *statusAddr != "" {
		conf.StatusAddr = *statusAddr
	}
	if *dbPath != "" {
		conf.Engine.DBPath = *dbPath
	}
	log.Info("gitHash:", gitHash)
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Infof("conf %+v", conf)
	if err := conf.Validate(); err != nil {
		log.Fatal(err)
	}

	regions, err := region.NewRegions(regionLayout(conf)...)
	if err != nil {
		log.Fatal(err)
	}
	engine := standalone_storage.NewStandAloneStorage(conf)
	if err := engine.Start(); err != nil {
		log.Fatal(err)
	}
	srv := server.NewServer(conf, engine, regions)
	if err := srv.Recover(context.Background()); err != nil {
		log.Fatal(err)
	}
	for _, r := range regions.All() {
		log.Infof("serving %s", &r)
	}

	go func() {
		log.Infof("listening on %v", conf.StatusAddr)
		http.HandleFunc("/status", func(writer http.ResponseWriter, request *http.Request) {
			writer.WriteHeader(http.StatusOK)
		})
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(conf.StatusAddr, nil); err != nil {
			log.Fatal(err)
		}
	}()

	waitForSignal()
	srv.Close()
	if err := engine.Stop(); err != nil {
		log.Fatal(err)
	}
	log.Info("Server stopped.")
}

func loadConfig() *config.Config {
	conf := config.NewDefaultConfig()
	if *configPath != "" {
		_, err := toml.DecodeFile(*configPath, conf)
		if err != nil {
			panic(err)
		}
	}
	return conf
}

func regionLayout(conf *config.Config) []region.Region {
	if len(conf.Regions) == 0 {
		return []region.Region{{ID: 1, Host: conf.StoreAddr}}
	}
	layout := make([]region.Region, 0, len(conf.Regions))
	for _, r := range conf.Regions {
		host := r.Host
		if host == "" {
			host = conf.StoreAddr
		}
		rg := region.Region{ID: r.ID, Host: host}
		if r.StartKey != "" {
			rg.StartKey = []byte(r.StartKey)
		}
		if r.EndKey != "" {
			rg.EndKey = []byte(r.EndKey)
		}
		layout = append(layout, rg)
	}
	return layout
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	sig := <-sigCh
	log.Infof("Got signal [%s] to exit.", sig)
}
