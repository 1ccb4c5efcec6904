// Copyright 2024 The Armored DFU authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// The imgtool tool creates signing keys, signs firmware payloads into update
// images, and inspects and verifies existing images.
//
// Usage:
//
//	imgtool genkey -key_file dev.pem
//	imgtool keyhash -key_file dev.pem
//	imgtool sign -key_file dev.pem -payload_file app.bin -version 1.2.3+4 -output_file app.img
//	imgtool dump -image_file app.img
//	imgtool verify -image_file app.img -anchors_file anchors.txt
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-dfu/image"
	"github.com/transparency-dev/armored-dfu/internal/crypto"
	"github.com/transparency-dev/armored-dfu/internal/trust"
	"github.com/transparency-dev/armored-dfu/internal/validate"
	"github.com/transparency-dev/armored-dfu/nvm"
	"k8s.io/klog/v2"
)

var commands = map[string]func(args []string){
	"genkey":  genKey,
	"keyhash": keyHash,
	"sign":    sign,
	"dump":    dump,
	"verify":  verify,
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] genkey|keyhash|sign|dump|verify [command flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		klog.Exitf("Unknown command %q", flag.Arg(0))
	}
	cmd(flag.Args()[1:])
}

func genKey(args []string) {
	fs := flag.NewFlagSet("genkey", flag.ExitOnError)
	keyFile := fs.String("key_file", "", "File to write the new PEM encoded private key to.")
	_ = fs.Parse(args)

	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		klog.Exitf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(k)
	if err != nil {
		klog.Exitf("MarshalECPrivateKey: %v", err)
	}
	if err := os.WriteFile(*keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	klog.Infof("Wrote P-256 key to %q, anchor %x", *keyFile, anchorOrDie(&k.PublicKey))
}

func keyHash(args []string) {
	fs := flag.NewFlagSet("keyhash", flag.ExitOnError)
	keyFile := fs.String("key_file", "", "PEM file holding a P-256 private or public key.")
	_ = fs.Parse(args)

	fmt.Printf("%x\n", anchorOrDie(publicKeyOrDie(*keyFile)))
}

func sign(args []string) {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	keyFile := fs.String("key_file", "", "PEM file holding the P-256 signing key.")
	payloadFile := fs.String("payload_file", "", "Firmware payload to sign.")
	outputFile := fs.String("output_file", "", "File to write the signed image to.")
	version := fs.String("version", "0.0.0", "Semantic version of the image, the build number may be given as metadata.")
	headerSize := fs.Uint("header_size", image.HeaderLen, "Offset of the payload from the image base.")
	loadAddr := fs.Uint("load_addr", 0, "Load address recorded in the header.")
	der := fs.Bool("der", false, "Emit a DER encoded signature instead of raw r||s.")
	_ = fs.Parse(args)

	key := privateKeyOrDie(*keyFile)
	sv, err := semver.NewVersion(*version)
	if err != nil {
		klog.Exitf("Invalid version %q: %v", *version, err)
	}
	v, err := image.VersionFromSemVer(*sv)
	if err != nil {
		klog.Exitf("%v", err)
	}
	if *headerSize > 0xffff || *loadAddr > 0xffffffff {
		klog.Exitf("header_size or load_addr out of range")
	}
	payload, err := os.ReadFile(*payloadFile)
	if err != nil {
		klog.Exitf("Failed to read payload %q: %v", *payloadFile, err)
	}

	h := image.Header{
		LoadAddr:   uint32(*loadAddr),
		HeaderSize: uint16(*headerSize),
		Version:    v,
	}
	img, err := image.Sign(h, payload, key, image.SignOpts{DER: *der})
	if err != nil {
		klog.Exitf("Sign: %v", err)
	}
	if err := os.WriteFile(*outputFile, img, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	klog.Infof("Wrote %d byte image version %v to %q", len(img), sv, *outputFile)
}

func dump(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	imageFile := fs.String("image_file", "", "Image to inspect.")
	base := fs.Uint("base", 0, "Address at which the image is mapped.")
	_ = fs.Parse(args)

	w := windowOrDie(*imageFile, *base)
	h, err := image.ReadHeader(w, w.Base)
	if err != nil {
		klog.Exitf("ReadHeader: %v", err)
	}
	fmt.Printf("Version .................: %v\n", h.SemVer())
	fmt.Printf("Load address ............: %#08x\n", h.LoadAddr)
	fmt.Printf("Header size .............: %d\n", h.HeaderSize)
	fmt.Printf("Payload size ............: %d\n", h.ImageSize)
	fmt.Printf("Flags ...................: %#08x\n", h.Flags)

	it, err := image.OpenTrailer(w, w.Base, h)
	if err != nil {
		klog.Exitf("OpenTrailer: %v", err)
	}
	for {
		r, err := it.Next()
		if errors.Is(err, image.ErrEndOfTrailer) {
			return
		}
		if err != nil {
			klog.Exitf("Next: %v", err)
		}
		v, err := r.Value(w)
		if err != nil {
			klog.Exitf("Value: %v", err)
		}
		fmt.Printf("%-8v @ %#08x ......: %s\n", r.Type, r.Offset, hex.EncodeToString(v))
	}
}

func verify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	imageFile := fs.String("image_file", "", "Image to verify.")
	base := fs.Uint("base", 0, "Address at which the image is mapped.")
	anchorsFile := fs.String("anchors_file", "", "Trust anchors, one hex key hash per line. The compiled-in anchors are used if unset.")
	prefixLen := fs.Int("anchor_prefix_len", trust.DefaultPrefixLen, "Number of key hash bytes compared against each anchor.")
	_ = fs.Parse(args)

	text := trust.DefaultAnchors
	if *anchorsFile != "" {
		var err error
		if text, err = os.ReadFile(*anchorsFile); err != nil {
			klog.Exitf("Failed to read anchors %q: %v", *anchorsFile, err)
		}
	}
	entries, err := trust.Parse(text)
	if err != nil {
		klog.Exitf("Invalid anchors: %v", err)
	}
	anchors, err := trust.New(entries, *prefixLen)
	if err != nil {
		klog.Exitf("%v", err)
	}

	w := windowOrDie(*imageFile, *base)
	v := validate.New(w, anchors, crypto.NewSoftware(0), nil, validate.Options{})
	verdict, err := v.Validate(w.Base)
	if err != nil {
		klog.Exitf("Image %q is NOT valid: %v", *imageFile, err)
	}
	fmt.Printf("%s: %v\n", *imageFile, verdict)
}

func windowOrDie(path string, base uint) *nvm.Mem {
	b, err := os.ReadFile(path)
	if err != nil {
		klog.Exitf("Failed to read image %q: %v", path, err)
	}
	if base > 0xffffffff {
		klog.Exitf("base %#x out of range", base)
	}
	return &nvm.Mem{Base: uint32(base), Data: b}
}

func anchorOrDie(pub *ecdsa.PublicKey) trust.Anchor {
	raw, err := image.PublicKeyBytes(pub)
	if err != nil {
		klog.Exitf("%v", err)
	}
	a, err := trust.KeyHash(raw)
	if err != nil {
		klog.Exitf("%v", err)
	}
	return a
}

func pemOrDie(path string) *pem.Block {
	raw, err := os.ReadFile(path)
	if err != nil {
		klog.Exitf("Failed to read key %q: %v", path, err)
	}
	b, _ := pem.Decode(raw)
	if b == nil {
		klog.Exitf("No PEM block in %q", path)
	}
	return b
}

func privateKeyOrDie(path string) *ecdsa.PrivateKey {
	b := pemOrDie(path)
	if k, err := x509.ParseECPrivateKey(b.Bytes); err == nil {
		return k
	}
	k, err := x509.ParsePKCS8PrivateKey(b.Bytes)
	if err != nil {
		klog.Exitf("Failed to parse private key %q: %v", path, err)
	}
	ek, ok := k.(*ecdsa.PrivateKey)
	if !ok {
		klog.Exitf("Key %q is a %T, want ECDSA", path, k)
	}
	return ek
}

func publicKeyOrDie(path string) *ecdsa.PublicKey {
	b := pemOrDie(path)
	switch b.Type {
	case "EC PRIVATE KEY", "PRIVATE KEY":
		return &privateKeyOrDie(path).PublicKey
	}
	k, err := x509.ParsePKIXPublicKey(b.Bytes)
	if err != nil {
		klog.Exitf("Failed to parse public key %q: %v", path, err)
	}
	ek, ok := k.(*ecdsa.PublicKey)
	if !ok {
		klog.Exitf("Key %q is a %T, want ECDSA", path, k)
	}
	return ek
}
