/* Copyright (c) Edgeless Systems GmbH

   This program is free software; you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation; version 2 of the License.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with this program; if not, write to the Free Software
   Foundation, Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1335  USA */

package main

import (
	"context"

	"github.com/edgelesssys/odsign/odsign/compiler"
	"github.com/edgelesssys/odsign/odsign/core"
	"github.com/edgelesssys/odsign/odsign/keystore"
	"github.com/edgelesssys/odsign/odsign/rt"
	"github.com/edgelesssys/odsign/odsign/verity"
	"github.com/spf13/afero"
)

func run(ctx context.Context, cfg core.Config) error {
	fs := afero.Afero{Fs: afero.NewOsFs()}
	runtime := rt.NewHost(fs, cfg.PropertyDir)
	runtime.Enclave = isEnclave

	getKey := func() (core.SigningKey, error) {
		key, err := keystore.GetInstance(fs, runtime, cfg.SigningKeyPath)
		if err != nil {
			return nil, err
		}
		return key, nil
	}

	integrity := verity.NewStore(fs, verity.NewKernel(fs, cfg.ProcKeysPath))
	odrefresh := compiler.NewOdrefresh(runtime, cfg.OdrefreshPath, cfg.ToolTimeout)
	compos := compiler.NewComposVerifyKey(runtime, cfg.CompOsVerifyPath, cfg.CompOsCurrentPublicKey, cfg.CompOsPendingPublicKey, cfg.ToolTimeout)
	status := core.NewPropertyReporter(runtime)

	rt.Log.WithField("config", cfg).Debug("starting odsign")
	core := core.NewCore(cfg, runtime, fs, getKey, integrity, odrefresh, compos, status)
	return core.Run(ctx)
}

// abort reports a failed boot for cfg without running the verification.
func abort(cfg core.Config) {
	fs := afero.Afero{Fs: afero.NewOsFs()}
	core.Abort(cfg, fs, core.NewPropertyReporter(rt.NewHost(fs, cfg.PropertyDir)))
}
