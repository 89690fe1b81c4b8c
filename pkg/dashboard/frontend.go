package dashboard

import "net/http"

func (d *Dashboard) serveFrontend(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(frontendHTML))
}

const frontendHTML = `<!DOCTYPE html>
<html lang="en"><head>
<meta charset="utf-8"><meta name="viewport" content="width=device-width,initial-scale=1">
<title>Confluence Tracker</title>
<link href="https://fonts.googleapis.com/css2?family=JetBrains+Mono:wght@300;400;500;600;700&display=swap" rel="stylesheet">
<style>
:root{--bg:#08090d;--sf:#0f1118;--sf2:#161923;--bd:#252a3a;--tx:#c8cdd8;--tx2:#8891a5;--tx3:#5a6278;--ac:#3b82f6;--gn:#10b981;--rd:#ef4444;--or:#f59e0b}
*{margin:0;padding:0;box-sizing:border-box}
body{font-family:'JetBrains Mono',monospace;background:var(--bg);color:var(--tx);min-height:100vh}
.app{max-width:1100px;margin:0 auto;padding:20px 24px}
.hdr{display:flex;justify-content:space-between;align-items:center;padding:16px 0;border-bottom:1px solid var(--bd);margin-bottom:24px}
.hdr h1{font-size:18px;font-weight:700;color:var(--ac)}
.live{font-size:9px;padding:3px 10px;border-radius:20px;background:rgba(16,185,129,.1);color:var(--gn);border:1px solid rgba(16,185,129,.2);letter-spacing:1.5px;font-weight:600}
.sts{display:grid;grid-template-columns:repeat(auto-fit,minmax(130px,1fr));gap:12px;margin-bottom:24px}
.st{background:var(--sf);border:1px solid var(--bd);border-radius:10px;padding:15px 16px}
.st .v{font-size:24px;font-weight:700}.st .v.b{color:var(--ac)}.st .v.g{color:var(--gn)}.st .v.r{color:var(--rd)}.st .v.o{color:var(--or)}
.st .l{font-size:9px;color:var(--tx3);text-transform:uppercase;letter-spacing:.8px;margin-top:5px}
.pn{background:var(--sf);border:1px solid var(--bd);border-radius:12px;overflow:hidden}
.pn-h{padding:13px 18px;border-bottom:1px solid var(--bd);background:var(--sf2);font-size:13px;font-weight:600}
table{width:100%;border-collapse:collapse}
th{text-align:left;font-size:9px;color:var(--tx3);text-transform:uppercase;letter-spacing:.8px;padding:10px 14px;border-bottom:1px solid var(--bd)}
td{padding:10px 14px;border-bottom:1px solid rgba(37,42,58,.4);font-size:12px}
td.addr{color:var(--tx2);font-size:10px}
.empty{padding:28px;text-align:center;color:var(--tx3);font-size:12px}
</style></head><body><div class="app">
<div class="hdr"><h1>🚨 Confluence Tracker</h1><span class="live">LIVE</span></div>
<div class="sts" id="stats"></div>
<div class="pn"><div class="pn-h">Recent confluences (24h)</div><div id="confs"></div></div>
</div>
<script>
const fmtTime=s=>new Date(s).toISOString().replace('T',' ').slice(5,16);
const esc=s=>String(s).replace(/[&<>"]/g,c=>({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;'}[c]));
async function refresh(){
  try{
    const s=await (await fetch('/api/stats')).json();
    const cards=[
      ['Trackers',s.store.active_subscriptions,'b'],
      ['Tenants',s.store.tenants,'b'],
      ['Queue pending',s.queue.pending,s.queue.pending>100?'r':'g'],
      ['Processed',s.queue.processed,'g'],
      ['Retried',s.queue.retried,'o'],
      ['Dropped',s.queue.dropped,s.queue.dropped>0?'r':'g'],
      ['Open buckets',s.engine.buckets,'b'],
      ['Confluences',s.store.confluences,'g'],
      ['Routed',s.router.enqueued,'b'],
      ['Uptime (h)',Math.floor(s.uptime_seconds/3600),'b'],
    ];
    document.getElementById('stats').innerHTML=cards.map(([l,v,c])=>
      '<div class="st"><div class="v '+c+'">'+(v??0)+'</div><div class="l">'+l+'</div></div>').join('');
    const confs=await (await fetch('/api/confluences?hours=24&limit=50')).json();
    const rows=(confs||[]).map(c=>
      '<tr><td>'+esc(c.token_symbol||'?')+'</td><td class="addr">'+esc(c.token_address||'-')+'</td>'+
      '<td>'+c.wallet_count+'</td><td>'+c.tenant_id+'</td><td>'+fmtTime(c.detection_time)+'</td></tr>').join('');
    document.getElementById('confs').innerHTML=rows
      ?'<table><tr><th>Token</th><th>Address</th><th>Wallets</th><th>Tenant</th><th>Detected</th></tr>'+rows+'</table>'
      :'<div class="empty">No confluences in the last 24h</div>';
  }catch(e){console.error(e)}
}
refresh();setInterval(refresh,5000);
</script></body></html>` + "\n"
